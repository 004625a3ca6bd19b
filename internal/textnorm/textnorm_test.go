package textnorm

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"What is the Capital of France?", "what is the capital of france"},
		{"  spaced\t\nout   text  ", "spaced out text"},
		{"Punct!!! -- stripped...", "punct stripped"},
		{"", ""},
		{"???", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFingerprintStableAcrossFormatting(t *testing.T) {
	a := Fingerprint("What is the capital of France?")
	b := Fingerprint("what  is the CAPITAL of france")
	if a != b {
		t.Errorf("fingerprints differ for equivalent texts: %s vs %s", a, b)
	}

	c := Fingerprint("What is the capital of Spain?")
	if a == c {
		t.Error("fingerprints collide for different texts")
	}

	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}
