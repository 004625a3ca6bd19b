// Package weights persists per-dimension learning state: Welford arm stats,
// EMA weights, and the append-only reward event log both are derived from.
// The log is the source of truth; stats and weights can be rebuilt by replay.
package weights

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/bandit"
)

// Store reads and writes learning state.
type Store struct {
	db    *sql.DB
	log   zerolog.Logger
	Clock func() time.Time
}

func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:    db,
		log:   log.With().Str("component", "weights").Logger(),
		Clock: func() time.Time { return time.Now().UTC() },
	}
}

// LoadStats returns the persisted ArmStats for one dimension.
func (s *Store) LoadStats(dimension string) (map[string]bandit.ArmStats, error) {
	rows, err := s.db.Query(`
		SELECT arm, n, mean, m2 FROM arm_stats WHERE dimension = ?
	`, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to load arm stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bandit.ArmStats)
	for rows.Next() {
		var arm string
		var st bandit.ArmStats
		if err := rows.Scan(&arm, &st.N, &st.Mean, &st.M2); err != nil {
			return nil, fmt.Errorf("failed to scan arm stats: %w", err)
		}
		out[arm] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load arm stats: %w", err)
	}
	return out, nil
}

// LoadWeights returns the persisted EMA weights for one dimension. Arms never
// seen default to 1.0 at the call site.
func (s *Store) LoadWeights(dimension string) (map[string]float64, error) {
	rows, err := s.db.Query(`
		SELECT arm, weight FROM ema_weights WHERE dimension = ?
	`, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to load ema weights: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var arm string
		var w float64
		if err := rows.Scan(&arm, &w); err != nil {
			return nil, fmt.Errorf("failed to scan ema weight: %w", err)
		}
		out[arm] = w
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load ema weights: %w", err)
	}
	return out, nil
}

// RecordReward appends a reward event and folds it into the arm's Welford
// stats in one transaction. Recording the same (arm, reward) twice is two
// observations: the reward pipeline re-scores items on longer lookbacks.
func (s *Store) RecordReward(itemID, dimension, arm string, reward float64, lookbackHours int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reward tx: %w", err)
	}
	defer tx.Rollback()

	now := s.Clock().Format(time.RFC3339)
	if _, err := tx.Exec(`
		INSERT INTO reward_events (item_id, dimension, arm, reward, lookback_hours, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, itemID, dimension, arm, reward, lookbackHours, now); err != nil {
		return fmt.Errorf("failed to append reward event: %w", err)
	}

	var st bandit.ArmStats
	err = tx.QueryRow(`
		SELECT n, mean, m2 FROM arm_stats WHERE dimension = ? AND arm = ?
	`, dimension, arm).Scan(&st.N, &st.Mean, &st.M2)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read arm stats: %w", err)
	}
	st.Update(reward)

	if _, err := tx.Exec(`
		INSERT INTO arm_stats (dimension, arm, n, mean, m2, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dimension, arm) DO UPDATE SET
			n = excluded.n,
			mean = excluded.mean,
			m2 = excluded.m2,
			updated_at = excluded.updated_at
	`, dimension, arm, st.N, st.Mean, st.M2, now); err != nil {
		return fmt.Errorf("failed to update arm stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reward: %w", err)
	}
	return nil
}

// BlendEMA applies one EMA round for a dimension from a batch of per-arm
// average rewards and persists the result.
func (s *Store) BlendEMA(dimension string, batchAvg map[string]float64, alpha, floor float64) error {
	if len(batchAvg) == 0 {
		return nil
	}

	old, err := s.LoadWeights(dimension)
	if err != nil {
		return err
	}
	blended := bandit.BlendWeights(old, batchAvg, alpha, floor)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin ema tx: %w", err)
	}
	defer tx.Rollback()

	now := s.Clock().Format(time.RFC3339)
	for arm, w := range blended {
		if _, err := tx.Exec(`
			INSERT INTO ema_weights (dimension, arm, weight, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(dimension, arm) DO UPDATE SET
				weight = excluded.weight,
				updated_at = excluded.updated_at
		`, dimension, arm, w, now); err != nil {
			return fmt.Errorf("failed to upsert ema weight: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ema weights: %w", err)
	}
	return nil
}

// RebuildFromEvents wipes arm_stats and replays the reward log in insertion
// order. EMA weights are rebuilt from lifetime per-arm averages in a single
// blend round (original batch boundaries are not retained in the log). The
// replay reaches back only as far as the reward retention window; events
// removed by PruneEvents are lost to it.
func (s *Store) RebuildFromEvents(alpha, floor float64) error {
	rows, err := s.db.Query(`
		SELECT dimension, arm, reward FROM reward_events ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to read reward events: %w", err)
	}

	type key struct{ dim, arm string }
	stats := make(map[key]*bandit.ArmStats)
	sums := make(map[key]float64)
	counts := make(map[key]int)
	var order []key

	for rows.Next() {
		var k key
		var reward float64
		if err := rows.Scan(&k.dim, &k.arm, &reward); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan reward event: %w", err)
		}
		st, ok := stats[k]
		if !ok {
			st = &bandit.ArmStats{}
			stats[k] = st
			order = append(order, k)
		}
		st.Update(reward)
		sums[k] += reward
		counts[k]++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read reward events: %w", err)
	}
	rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM arm_stats`); err != nil {
		return fmt.Errorf("failed to clear arm stats: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM ema_weights`); err != nil {
		return fmt.Errorf("failed to clear ema weights: %w", err)
	}

	now := s.Clock().Format(time.RFC3339)
	for _, k := range order {
		st := stats[k]
		if _, err := tx.Exec(`
			INSERT INTO arm_stats (dimension, arm, n, mean, m2, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, k.dim, k.arm, st.N, st.Mean, st.M2, now); err != nil {
			return fmt.Errorf("failed to rebuild arm stats: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}

	// One blend round per dimension from lifetime averages.
	perDim := make(map[string]map[string]float64)
	for k := range sums {
		m, ok := perDim[k.dim]
		if !ok {
			m = make(map[string]float64)
			perDim[k.dim] = m
		}
		m[k.arm] = sums[k] / float64(counts[k])
	}
	for dim, avg := range perDim {
		if err := s.BlendEMA(dim, avg, alpha, floor); err != nil {
			return err
		}
	}

	s.log.Info().Int("dimensions", len(perDim)).Msg("rebuilt learning state from reward log")
	return nil
}

// PruneEvents removes reward events older than the retention horizon.
func (s *Store) PruneEvents(retentionDays int) (int64, error) {
	cutoff := s.Clock().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM reward_events WHERE observed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reward events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
