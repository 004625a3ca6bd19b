package learn

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/db"
	"github.com/quizpilot/quizpilot/internal/items"
	"github.com/quizpilot/quizpilot/internal/planner"
	"github.com/quizpilot/quizpilot/internal/scoring"
	"github.com/quizpilot/quizpilot/internal/weights"
)

type fakeAnalytics struct {
	bundles map[string]scoring.Bundle
	fail    error
	calls   int
}

func (a *fakeAnalytics) FetchMetrics(_ context.Context, videoID string, _ time.Duration) (scoring.Bundle, error) {
	a.calls++
	if a.fail != nil {
		return scoring.Bundle{}, a.fail
	}
	return a.bundles[videoID], nil
}

func newTestLearner(t *testing.T, analytics *fakeAnalytics) (*Learner, *sql.DB) {
	t.Helper()
	t.Setenv("QUIZPILOT_DATA_DIR", t.TempDir())
	conn, err := db.Open()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	cfg := config.Default()
	cfg.Retry.MaxAttempts = 1
	cfg.Learner.AnalyticsRatePerSecond = 1000 // no throttling in tests
	ws := weights.New(conn, zerolog.Nop())
	l := New(conn, cfg, analytics, ws, zerolog.Nop())
	return l, conn
}

func insertPosted(t *testing.T, conn *sql.DB, videoID string, due time.Time) string {
	t.Helper()
	it := items.Item{
		ID:          uuid.NewString(),
		Day:         items.DayKey(due),
		Slot:        0,
		Kind:        items.KindShort,
		Template:    "classic",
		Topic:       "capitals",
		Voice:       "female",
		Music:       "on",
		TimeSlot:    "S1",
		Question:    "Posted question for " + videoID + "?",
		Answer:      "Answer",
		Category:    "capitals",
		Fingerprint: "fp-" + videoID,
		DueAt:       due,
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := items.InsertTx(tx, &it); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := items.MarkRenderedTx(tx, it.ID, "/tmp/x.mp4", 40); err != nil {
		t.Fatalf("mark rendered: %v", err)
	}
	if err := items.MarkPostedTx(tx, it.ID, videoID); err != nil {
		t.Fatalf("mark posted: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return it.ID
}

func goodBundle() scoring.Bundle {
	return scoring.Bundle{
		Views:                      10000,
		Likes:                      400,
		Comments:                   50,
		Shares:                     30,
		HasEngagement:              true,
		AverageViewDurationSeconds: 34,
		VideoLengthSeconds:         40,
		HasRetention:               true,
		SubscribersGained:          80,
		HasSubscribers:             true,
		HoursSincePublish:          24,
	}
}

func TestScoringFeedsAllDimensions(t *testing.T) {
	analytics := &fakeAnalytics{bundles: map[string]scoring.Bundle{"vid-1": goodBundle()}}
	l, conn := newTestLearner(t, analytics)

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := insertPosted(t, conn, "vid-1", due)
	l.Clock = func() time.Time { return due.Add(30 * time.Hour) } // past the 24h lookback

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Scored != 1 {
		t.Fatalf("scored %d, want 1", res.Scored)
	}

	for _, dim := range []string{planner.DimTemplate, planner.DimTopic, planner.DimVoice, planner.DimMusic, planner.DimTimeSlot} {
		stats, err := l.Weights.LoadStats(dim)
		if err != nil {
			t.Fatalf("load stats: %v", err)
		}
		if len(stats) == 0 {
			t.Errorf("dimension %s received no observations", dim)
		}
	}

	it, _ := items.Get(conn, id)
	if it.ScoreCount != 1 {
		t.Errorf("score count %d, want 1", it.ScoreCount)
	}
	if it.LastScore == nil || *it.LastScore <= 0.5 {
		t.Errorf("last score %v, want a strong reward", it.LastScore)
	}
}

func TestEscalatingLookbacksGateRescoring(t *testing.T) {
	analytics := &fakeAnalytics{bundles: map[string]scoring.Bundle{"vid-1": goodBundle()}}
	l, conn := newTestLearner(t, analytics)

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := insertPosted(t, conn, "vid-1", due)

	// Too young for the first 24h pass.
	l.Clock = func() time.Time { return due.Add(10 * time.Hour) }
	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Scored != 0 {
		t.Fatalf("scored %d before first lookback, want 0", res.Scored)
	}

	// Old enough for passes 1 and 2 but not 3: each run advances one pass.
	l.Clock = func() time.Time { return due.Add(100 * time.Hour) }
	for pass := 1; pass <= 2; pass++ {
		res, err = l.Run(context.Background())
		if err != nil {
			t.Fatalf("run pass %d: %v", pass, err)
		}
		if res.Scored != 1 {
			t.Fatalf("pass %d scored %d, want 1", pass, res.Scored)
		}
	}

	// Third pass needs 168h of age.
	res, err = l.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Scored != 0 {
		t.Fatalf("scored %d before 168h, want 0", res.Scored)
	}

	l.Clock = func() time.Time { return due.Add(200 * time.Hour) }
	if res, err = l.Run(context.Background()); err != nil || res.Scored != 1 {
		t.Fatalf("final pass scored %d (err %v), want 1", res.Scored, err)
	}

	it, _ := items.Get(conn, id)
	if it.ScoreCount != 3 {
		t.Errorf("score count %d after all passes, want 3", it.ScoreCount)
	}

	// All passes consumed: nothing left to score.
	if res, err = l.Run(context.Background()); err != nil || res.Considered != 0 {
		t.Errorf("exhausted item reconsidered (considered=%d, err=%v)", res.Considered, err)
	}
}

func TestNoViewsBurnsPassWithoutReward(t *testing.T) {
	analytics := &fakeAnalytics{bundles: map[string]scoring.Bundle{"vid-dead": {}}}
	l, conn := newTestLearner(t, analytics)

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := insertPosted(t, conn, "vid-dead", due)
	l.Clock = func() time.Time { return due.Add(30 * time.Hour) }

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.NoData != 1 || res.Scored != 0 {
		t.Fatalf("no-data=%d scored=%d, want 1/0", res.NoData, res.Scored)
	}

	it, _ := items.Get(conn, id)
	if it.ScoreCount != 1 {
		t.Errorf("score count %d, want burnt pass", it.ScoreCount)
	}
	if it.LastScore != nil {
		t.Error("zero-view item must not receive a score")
	}

	stats, err := l.Weights.LoadStats(planner.DimTemplate)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if len(stats) != 0 {
		t.Error("zero-view item produced reward observations")
	}
}

func TestFetchFailureDefersPass(t *testing.T) {
	analytics := &fakeAnalytics{fail: errors.New("quota exceeded")}
	l, conn := newTestLearner(t, analytics)

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := insertPosted(t, conn, "vid-1", due)
	l.Clock = func() time.Time { return due.Add(30 * time.Hour) }

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Errors != 1 {
		t.Fatalf("errors %d, want 1", res.Errors)
	}

	// The pass is not burnt; a later run retries it.
	it, _ := items.Get(conn, id)
	if it.ScoreCount != 0 {
		t.Errorf("score count %d after fetch failure, want 0", it.ScoreCount)
	}
}

func TestEMAWeightsUpdatedAfterBatch(t *testing.T) {
	analytics := &fakeAnalytics{bundles: map[string]scoring.Bundle{"vid-1": goodBundle()}}
	l, conn := newTestLearner(t, analytics)
	l.Cfg.Learner.PerDimension = map[string]string{planner.DimTopic: "ema"}

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	insertPosted(t, conn, "vid-1", due)
	l.Clock = func() time.Time { return due.Add(30 * time.Hour) }

	if _, err := l.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	w, err := l.Weights.LoadWeights(planner.DimTopic)
	if err != nil {
		t.Fatalf("load weights: %v", err)
	}
	if _, ok := w["capitals"]; !ok {
		t.Error("ema weight for observed topic arm missing")
	}
}
