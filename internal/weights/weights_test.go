package weights

import (
	"database/sql"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/db"
)

func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	t.Setenv("QUIZPILOT_DATA_DIR", t.TempDir())
	conn, err := db.Open()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(conn, zerolog.Nop()), conn
}

func TestRecordRewardUpdatesStats(t *testing.T) {
	s, _ := openTestStore(t)

	if err := s.RecordReward("item-1", "template", "classic", 0.8, 24); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordReward("item-2", "template", "classic", 0.4, 24); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := s.LoadStats("template")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	st, ok := stats["classic"]
	if !ok {
		t.Fatal("missing arm stats")
	}
	if st.N != 2 {
		t.Errorf("expected 2 observations, got %d", st.N)
	}
	if math.Abs(st.Mean-0.6) > 1e-9 {
		t.Errorf("expected mean 0.6, got %f", st.Mean)
	}
}

func TestReplayedRewardCountsTwice(t *testing.T) {
	s, _ := openTestStore(t)

	// Same item re-scored on a longer lookback: both observations count.
	if err := s.RecordReward("item-1", "voice", "female", 0.7, 24); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordReward("item-1", "voice", "female", 0.7, 72); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := s.LoadStats("voice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats["female"].N != 2 {
		t.Errorf("expected 2 observations after replay, got %d", stats["female"].N)
	}
}

func TestRebuildFromEventsMatchesDirectStats(t *testing.T) {
	s, conn := openTestStore(t)

	rewards := []float64{0.1, 0.9, 0.5, 0.7, 0.3}
	for i, r := range rewards {
		if err := s.RecordReward("item", "topic", "capitals", r, 24); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	before, err := s.LoadStats("topic")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Corrupt the derived table, then rebuild from the log.
	if _, err := conn.Exec(`UPDATE arm_stats SET n = 0, mean = 0, m2 = 0`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := s.RebuildFromEvents(0.3, 0.05); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	after, err := s.LoadStats("topic")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	b, a := before["capitals"], after["capitals"]
	if b.N != a.N || math.Abs(b.Mean-a.Mean) > 1e-9 || math.Abs(b.M2-a.M2) > 1e-9 {
		t.Errorf("rebuild mismatch: before %+v after %+v", b, a)
	}
}

func TestBlendEMAPersistsFloor(t *testing.T) {
	s, _ := openTestStore(t)

	for i := 0; i < 40; i++ {
		err := s.BlendEMA("music", map[string]float64{"on": 0.9, "off": 0.0}, 0.3, 0.05)
		if err != nil {
			t.Fatalf("blend: %v", err)
		}
	}

	w, err := s.LoadWeights("music")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if w["off"] < 0.05 {
		t.Errorf("weight below floor: %f", w["off"])
	}
	if w["on"] <= w["off"] {
		t.Errorf("expected on > off, got on=%f off=%f", w["on"], w["off"])
	}
}
