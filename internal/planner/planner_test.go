package planner

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/collab"
	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/db"
	"github.com/quizpilot/quizpilot/internal/dedup"
	"github.com/quizpilot/quizpilot/internal/items"
	"github.com/quizpilot/quizpilot/internal/weights"
)

// seqGenerator returns a fresh question per call, so every candidate passes
// the duplicate index.
type seqGenerator struct{ n int }

func (g *seqGenerator) Generate(_ context.Context, _ string, topic string) (collab.Content, error) {
	g.n++
	return collab.Content{
		Question: fmt.Sprintf("Which landmark number %d is famous in quiz round %d?", g.n, g.n),
		Answer:   fmt.Sprintf("Landmark %d", g.n),
		Category: topic,
	}, nil
}

// stuckGenerator always emits the same candidate.
type stuckGenerator struct{}

func (stuckGenerator) Generate(_ context.Context, _ string, topic string) (collab.Content, error) {
	return collab.Content{
		Question: "What is the tallest mountain in the world?",
		Answer:   "Mount Everest",
		Category: topic,
	}, nil
}

func newTestPlanner(t *testing.T, gen collab.Generator) (*Planner, *sql.DB) {
	t.Helper()
	t.Setenv("QUIZPILOT_DATA_DIR", t.TempDir())
	conn, err := db.Open()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	cfg := config.Default()
	ix := dedup.New(conn, cfg.Dedup, zerolog.Nop())
	ws := weights.New(conn, zerolog.Nop())
	p := New(conn, cfg, ix, ws, gen, zerolog.Nop())
	return p, conn
}

func TestPlanDayIsIdempotent(t *testing.T) {
	p, _ := newTestPlanner(t, &seqGenerator{})

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // Monday
	p.Clock = func() time.Time { return day.Add(8 * time.Hour) }

	first, err := p.PlanDay(context.Background(), day)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if first.AlreadyPlanned {
		t.Fatal("first plan reported as already planned")
	}
	if len(first.Items) == 0 {
		t.Fatal("first plan produced no items")
	}

	second, err := p.PlanDay(context.Background(), day)
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if !second.AlreadyPlanned {
		t.Error("second plan did not report already planned")
	}
	if len(second.Items) != len(first.Items) {
		t.Errorf("replan returned %d items, first plan had %d", len(second.Items), len(first.Items))
	}
}

func TestColdStartBootstrap(t *testing.T) {
	p, _ := newTestPlanner(t, &seqGenerator{})

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	now := day.Add(8 * time.Hour)
	p.Clock = func() time.Time { return now }

	res, err := p.PlanDay(context.Background(), day)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !res.ColdStart {
		t.Fatal("empty database should trigger cold start")
	}

	shorts := 0
	for _, it := range res.Items {
		if it.Kind == items.KindShort {
			shorts++
		}
	}
	if want := 3; shorts != want {
		t.Errorf("cold start planned %d shorts, want smallest choice %d", shorts, want)
	}

	// First item publishes right away so the learner gets an early observation.
	earliest := res.Items[0].DueAt
	for _, it := range res.Items[1:] {
		if it.DueAt.Before(earliest) {
			earliest = it.DueAt
		}
	}
	if earliest.Sub(now) > 5*time.Minute {
		t.Errorf("cold start first item due %v after now, want within minutes", earliest.Sub(now))
	}
}

func TestDistinctTemplateTopicPairs(t *testing.T) {
	p, _ := newTestPlanner(t, &seqGenerator{})

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	p.Clock = func() time.Time { return day.Add(8 * time.Hour) }

	res, err := p.PlanDay(context.Background(), day)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	seen := make(map[string]bool)
	for _, it := range res.Items {
		if it.Kind != items.KindShort {
			continue
		}
		key := it.Template + "|" + it.Topic
		if seen[key] {
			t.Errorf("template+topic pair %q planned twice in one day", key)
		}
		seen[key] = true
	}
}

func TestStuckGeneratorFallsBackToCannedBank(t *testing.T) {
	p, _ := newTestPlanner(t, stuckGenerator{})

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	p.Clock = func() time.Time { return day.Add(8 * time.Hour) }

	res, err := p.PlanDay(context.Background(), day)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	fps := make(map[string]bool)
	for _, it := range res.Items {
		if it.Kind != items.KindShort {
			continue
		}
		if fps[it.Fingerprint] {
			t.Errorf("fingerprint %s planned twice", it.Fingerprint)
		}
		fps[it.Fingerprint] = true
	}
	if len(fps) < 2 {
		t.Errorf("expected canned fallback to fill slots with distinct items, got %d", len(fps))
	}
}

func TestLongItemOnConfiguredWeekday(t *testing.T) {
	p, conn := newTestPlanner(t, &seqGenerator{})

	friday := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	p.Clock = func() time.Time { return friday.Add(8 * time.Hour) }

	if _, err := p.PlanDay(context.Background(), friday); err != nil {
		t.Fatalf("plan: %v", err)
	}

	planned, err := items.ListByDay(conn, items.DayKey(friday))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	longs := 0
	for _, it := range planned {
		if it.Kind == items.KindLong {
			longs++
		}
	}
	if longs != 1 {
		t.Errorf("expected exactly one long item on a configured weekday, got %d", longs)
	}
}

func TestNoLongItemOnOtherWeekdays(t *testing.T) {
	p, conn := newTestPlanner(t, &seqGenerator{})

	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	p.Clock = func() time.Time { return monday.Add(8 * time.Hour) }

	if _, err := p.PlanDay(context.Background(), monday); err != nil {
		t.Fatalf("plan: %v", err)
	}

	planned, err := items.ListByDay(conn, items.DayKey(monday))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, it := range planned {
		if it.Kind == items.KindLong {
			t.Error("long item planned on a non-configured weekday")
		}
	}
}

func TestPlannedQuestionsConsumeFingerprints(t *testing.T) {
	p, _ := newTestPlanner(t, &seqGenerator{})

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	p.Clock = func() time.Time { return day.Add(8 * time.Hour) }

	res, err := p.PlanDay(context.Background(), day)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	for _, it := range res.Items {
		if it.Kind != items.KindShort {
			continue
		}
		dup, err := p.Dedup.IsDuplicate(dedup.KindQuestion, it.Question, p.Cfg.Dedup.QuestionLookbackDays)
		if err != nil {
			t.Fatalf("is duplicate: %v", err)
		}
		if !dup {
			t.Errorf("planned question %q not recorded in the duplicate index", it.Question)
		}
	}
}

func TestSafetyGate(t *testing.T) {
	cfg := config.Default().Safety
	cfg.Banned = []string{"politics"}

	cases := []struct {
		name    string
		content collab.Content
		pass    bool
	}{
		{"ok", collab.Content{Question: "What is the capital of Spain?", Answer: "Madrid"}, true},
		{"short question", collab.Content{Question: "Hm?", Answer: "Madrid"}, false},
		{"empty answer", collab.Content{Question: "What is the capital of Spain?", Answer: ""}, false},
		{"banned phrase", collab.Content{Question: "Which politics party won in 1990?", Answer: "None"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason := checkSafety(cfg, tc.content)
			if tc.pass && reason != "" {
				t.Errorf("rejected: %s", reason)
			}
			if !tc.pass && reason == "" {
				t.Error("expected rejection")
			}
		})
	}
}
