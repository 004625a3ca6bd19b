package schedule

import (
	"math/rand"
	"testing"
	"time"
)

func testAllocator(t *testing.T) Allocator {
	t.Helper()
	windows, err := ParseWindows([]string{"11:00-13:00", "15:00-17:00", "19:00-21:00"})
	if err != nil {
		t.Fatalf("parse windows: %v", err)
	}
	return Allocator{
		Windows: windows,
		Jitter:  7 * time.Minute,
		MinGap:  45 * time.Minute,
		MinLead: 15 * time.Minute,
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("09:30-12:15")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.StartHour != 9 || w.StartMin != 30 || w.EndHour != 12 || w.EndMin != 15 {
		t.Errorf("unexpected window %+v", w)
	}

	if _, err := ParseWindow("25:00-26:00"); err == nil {
		t.Error("expected error for out-of-range hours")
	}
	if _, err := ParseWindow("nonsense"); err == nil {
		t.Error("expected error for malformed spec")
	}
}

func TestAllocateSpacing(t *testing.T) {
	a := testAllocator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	now := day.Add(1 * time.Hour)

	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		got := a.Allocate(day, 6, now, rng)
		if len(got) != 6 {
			t.Fatalf("seed %d: expected 6 timestamps, got %d", seed, len(got))
		}
		for i := 1; i < len(got); i++ {
			if gap := got[i].Sub(got[i-1]); gap < a.MinGap {
				t.Errorf("seed %d: gap %s below min %s", seed, gap, a.MinGap)
			}
		}
	}
}

func TestAllocateDeterministicForSameDay(t *testing.T) {
	a := testAllocator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	now := day.Add(1 * time.Hour)

	first := a.Allocate(day, 4, now, rand.New(rand.NewSource(DaySeed("plan", day))))
	second := a.Allocate(day, 4, now, rand.New(rand.NewSource(DaySeed("plan", day))))

	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Errorf("slot %d differs: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestDaySeedVariesByPurposeAndDay(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if DaySeed("plan", day) == DaySeed("learn", day) {
		t.Error("seeds for different purposes collide")
	}
	if DaySeed("plan", day) == DaySeed("plan", day.AddDate(0, 0, 1)) {
		t.Error("seeds for different days collide")
	}
}

func TestAllocatePastRollsToNextDay(t *testing.T) {
	a := testAllocator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	// Planning late at night: every window today is already past.
	now := day.Add(23 * time.Hour)

	rng := rand.New(rand.NewSource(3))
	got := a.Allocate(day, 3, now, rng)
	for _, ts := range got {
		if !ts.After(now.Add(a.MinLead)) {
			t.Errorf("timestamp %s not rolled past now %s", ts, now)
		}
	}
}

func TestBucketLabel(t *testing.T) {
	a := testAllocator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		ts   time.Time
		want string
	}{
		{day.Add(12 * time.Hour), "S0"},
		{day.Add(16 * time.Hour), "S1"},
		{day.Add(20 * time.Hour), "S2"},
		// Pushed out of every window by spacing: nearest start wins.
		{day.Add(14 * time.Hour), "S1"},
	}
	for _, tc := range cases {
		if got := a.BucketLabel(tc.ts); got != tc.want {
			t.Errorf("BucketLabel(%s) = %s, want %s", tc.ts.Format("15:04"), got, tc.want)
		}
	}
}

func TestAllocateMoreSlotsThanWindows(t *testing.T) {
	a := testAllocator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	now := day.Add(1 * time.Hour)

	rng := rand.New(rand.NewSource(11))
	got := a.Allocate(day, 8, now, rng)
	if len(got) != 8 {
		t.Fatalf("expected 8 timestamps with window reuse, got %d", len(got))
	}
}
