// Package dedup is the duplicate index: a content-addressed record of
// previously used items (exact fingerprint match) plus a bounded fuzzy scan
// over recent normalized texts.
package dedup

import (
	"database/sql"
	"fmt"
	"time"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/textnorm"
)

// Kind namespaces the index so questions, backgrounds and music tracks each
// get their own no-repeat window over the same store.
type Kind string

const (
	KindQuestion   Kind = "question"
	KindBackground Kind = "background"
	KindMusic      Kind = "music"
)

// readAttempts is the retry budget for lookups. After it is exhausted the
// check degrades to "not a duplicate" so the pipeline keeps moving; the
// degradation is logged.
const readAttempts = 3

// Index answers "have we used this recently" and records acceptances.
type Index struct {
	db    *sql.DB
	cfg   config.DedupConfig
	log   zerolog.Logger
	Clock func() time.Time
}

func New(db *sql.DB, cfg config.DedupConfig, log zerolog.Logger) *Index {
	return &Index{
		db:    db,
		cfg:   cfg,
		log:   log.With().Str("component", "dedup").Logger(),
		Clock: func() time.Time { return time.Now().UTC() },
	}
}

// LookbackFor returns the configured no-repeat window for a kind.
func (ix *Index) LookbackFor(kind Kind) int {
	switch kind {
	case KindBackground:
		return ix.cfg.BackgroundLookbackDays
	case KindMusic:
		return ix.cfg.MusicLookbackDays
	default:
		return ix.cfg.QuestionLookbackDays
	}
}

// IsDuplicate reports whether text was used within the lookback window,
// either by exact fingerprint or by token-set similarity at or above the
// configured threshold against recent records.
func (ix *Index) IsDuplicate(kind Kind, text string, lookbackDays int) (bool, error) {
	norm := textnorm.Normalize(text)
	if norm == "" {
		return false, nil
	}
	fp := textnorm.Fingerprint(text)
	cutoff := ix.Clock().AddDate(0, 0, -lookbackDays).Format(time.RFC3339)

	exact, err := ix.existsExact(kind, fp, cutoff)
	if err != nil {
		ix.log.Warn().Err(err).Str("fingerprint", fp).
			Msg("duplicate lookup failed after retries; treating as not a duplicate")
		return false, nil
	}
	if exact {
		return true, nil
	}

	recent, err := ix.recentTexts(kind, cutoff)
	if err != nil {
		ix.log.Warn().Err(err).Str("fingerprint", fp).
			Msg("similarity scan failed after retries; treating as not a duplicate")
		return false, nil
	}
	for _, prev := range recent {
		if fuzzy.TokenSetRatio(norm, prev) >= ix.cfg.SimilarityThreshold {
			return true, nil
		}
	}
	return false, nil
}

func (ix *Index) existsExact(kind Kind, fp, cutoff string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		var one int
		err := ix.db.QueryRow(`
			SELECT 1 FROM used_items
			WHERE kind = ? AND fingerprint = ? AND created_at >= ?
			LIMIT 1
		`, string(kind), fp, cutoff).Scan(&one)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err == nil {
			return true, nil
		}
		lastErr = err
	}
	return false, fmt.Errorf("failed to check fingerprint: %w", lastErr)
}

// recentTexts returns up to FuzzyScanLimit most-recent normalized texts
// within the window, keeping the fuzzy scan cost predictable.
func (ix *Index) recentTexts(kind Kind, cutoff string) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		rows, err := ix.db.Query(`
			SELECT normalized_text FROM used_items
			WHERE kind = ? AND created_at >= ?
			ORDER BY id DESC
			LIMIT ?
		`, string(kind), cutoff, ix.cfg.FuzzyScanLimit)
		if err != nil {
			lastErr = err
			continue
		}
		out := make([]string, 0, ix.cfg.FuzzyScanLimit)
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				rows.Close()
				lastErr = err
				out = nil
				break
			}
			out = append(out, t)
		}
		if out == nil {
			continue
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			lastErr = err
			continue
		}
		rows.Close()
		return out, nil
	}
	return nil, fmt.Errorf("failed to load recent texts: %w", lastErr)
}

// CommitTx appends a UsedItemRecord inside the caller's transaction. The
// planner calls this in the same transaction that inserts the accepted
// ScheduledItem, so a fingerprint is consumed exactly when an item exists.
func (ix *Index) CommitTx(tx *sql.Tx, kind Kind, text, category string) error {
	_, err := tx.Exec(`
		INSERT INTO used_items (kind, fingerprint, normalized_text, category, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(kind), textnorm.Fingerprint(text), textnorm.Normalize(text), category,
		ix.Clock().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to commit used item: %w", err)
	}
	return nil
}

// Commit is CommitTx in its own transaction.
func (ix *Index) Commit(kind Kind, text, category string) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	if err := ix.CommitTx(tx, kind, text, category); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit used item: %w", err)
	}
	return nil
}

// CommitAnswerTx records an answer use for cooldown tracking.
func (ix *Index) CommitAnswerTx(tx *sql.Tx, answer string) error {
	norm := textnorm.Normalize(answer)
	if norm == "" {
		return nil
	}
	_, err := tx.Exec(`
		INSERT INTO answer_uses (answer_norm, created_at) VALUES (?, ?)
	`, norm, ix.Clock().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to commit answer use: %w", err)
	}
	return nil
}

// AnswerCooldownCount counts recent uses of an answer (not the full
// question). The planner rejects over-used answers with high, not absolute,
// probability.
func (ix *Index) AnswerCooldownCount(answer string, days int) (int, error) {
	norm := textnorm.Normalize(answer)
	if norm == "" || days <= 0 {
		return 0, nil
	}
	cutoff := ix.Clock().AddDate(0, 0, -days).Format(time.RFC3339)

	var n int
	err := ix.db.QueryRow(`
		SELECT COUNT(1) FROM answer_uses WHERE answer_norm = ? AND created_at >= ?
	`, norm, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count answer uses: %w", err)
	}
	return n, nil
}

// Prune removes records older than the retention window. Returns rows
// removed.
func (ix *Index) Prune() (int64, error) {
	cutoff := ix.Clock().AddDate(0, 0, -ix.cfg.RetentionDays).Format(time.RFC3339)

	res, err := ix.db.Exec(`DELETE FROM used_items WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune used items: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = ix.db.Exec(`DELETE FROM answer_uses WHERE created_at < ?`, cutoff)
	if err != nil {
		return n, fmt.Errorf("failed to prune answer uses: %w", err)
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}
