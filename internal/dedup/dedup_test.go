package dedup

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	t.Setenv("QUIZPILOT_DATA_DIR", t.TempDir())
	conn, err := db.Open()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestIndex(t *testing.T) *Index {
	return New(openTestDB(t), config.Default().Dedup, zerolog.Nop())
}

func TestExactDuplicateWithinLookback(t *testing.T) {
	ix := newTestIndex(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ix.Clock = func() time.Time { return base }

	if err := ix.Commit(KindQuestion, "What is the capital of France?", "capitals"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Day 10: identical normalized text, inside the 15-day lookback.
	ix.Clock = func() time.Time { return base.AddDate(0, 0, 9) }
	dup, err := ix.IsDuplicate(KindQuestion, "what is the CAPITAL of france", 15)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("expected duplicate inside lookback window")
	}

	// Day 20: outside the lookback window.
	ix.Clock = func() time.Time { return base.AddDate(0, 0, 19) }
	dup, err = ix.IsDuplicate(KindQuestion, "What is the capital of France?", 15)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("expected no duplicate outside lookback window")
	}
}

func TestFuzzyDuplicate(t *testing.T) {
	ix := newTestIndex(t)

	if err := ix.Commit(KindQuestion, "Which planet is known as the red planet?", "science"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Token-set similar phrasing of the same question.
	dup, err := ix.IsDuplicate(KindQuestion, "the red planet is known as which planet", 15)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("expected fuzzy duplicate for reordered phrasing")
	}

	dup, err = ix.IsDuplicate(KindQuestion, "What is the chemical symbol for gold?", 15)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("unrelated question flagged as duplicate")
	}
}

func TestKindsAreIndependent(t *testing.T) {
	ix := newTestIndex(t)

	if err := ix.Commit(KindMusic, "track-9912", ""); err != nil {
		t.Fatalf("commit: %v", err)
	}

	dup, err := ix.IsDuplicate(KindQuestion, "track-9912", 15)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("music record leaked into question namespace")
	}

	dup, err = ix.IsDuplicate(KindMusic, "track-9912", 7)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("expected music duplicate within its own namespace")
	}
}

func TestAnswerCooldownCount(t *testing.T) {
	ix := newTestIndex(t)

	tx, err := openTx(t, ix)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ix.CommitAnswerTx(tx, "Paris"); err != nil {
			t.Fatalf("commit answer: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	n, err := ix.AnswerCooldownCount("paris", 30)
	if err != nil {
		t.Fatalf("cooldown count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 recent answer uses, got %d", n)
	}

	n, err = ix.AnswerCooldownCount("Tokyo", 30)
	if err != nil {
		t.Fatalf("cooldown count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 uses for unseen answer, got %d", n)
	}
}

func TestPruneRespectsRetention(t *testing.T) {
	ix := newTestIndex(t)

	old := time.Now().UTC().AddDate(0, 0, -200)
	ix.Clock = func() time.Time { return old }
	if err := ix.Commit(KindQuestion, "ancient question about rivers", ""); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ix.Clock = func() time.Time { return time.Now().UTC() }
	if err := ix.Commit(KindQuestion, "fresh question about rivers today", ""); err != nil {
		t.Fatalf("commit: %v", err)
	}

	removed, err := ix.Prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned record, got %d", removed)
	}

	dup, err := ix.IsDuplicate(KindQuestion, "fresh question about rivers today", 15)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("fresh record should survive pruning")
	}
}

func openTx(t *testing.T, ix *Index) (*sql.Tx, error) {
	t.Helper()
	return ix.db.Begin()
}
