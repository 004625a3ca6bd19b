// Package items persists ScheduledItems and the period counters that enforce
// hard caps. The planner only ever creates items; status mutation belongs to
// the publish-state machine, which validates every transition.
package items

import (
	"database/sql"
	"fmt"
	"time"
)

// Status is the lifecycle state of a scheduled item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRendered Status = "rendered"
	StatusPosted   Status = "posted"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Kind distinguishes daily shorts from the weekly long compilation.
type Kind string

const (
	KindShort Kind = "short"
	KindLong  Kind = "long"
)

// allowedTransitions encodes the state machine:
// pending → rendered → posted, failed from pending/rendered, skipped from
// pending only (an item that was ever attempted is never discarded). failed
// re-enters through rendered when a later invocation retries.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusRendered, StatusFailed, StatusSkipped},
	StatusRendered: {StatusPosted, StatusFailed},
	StatusFailed:   {StatusRendered},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Item is one planned piece of content.
type Item struct {
	ID              string
	Day             string // planning day, "2006-01-02"
	Slot            int
	Kind            Kind
	Template        string
	Topic           string
	Voice           string
	Music           string
	TimeSlot        string
	Question        string
	Answer          string
	Category        string
	Fingerprint     string
	DueAt           time.Time
	Status          Status
	ExternalVideoID string
	VideoPath       string
	DurationSeconds float64
	ScoreCount      int
	LastScore       *float64
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const itemColumns = `id, day, slot, kind, template, topic, voice, music, time_slot,
	question_text, answer_text, category, fingerprint, due_at, status,
	external_video_id, video_path, duration_seconds, score_count, last_score,
	last_error, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var it Item
	var kind, status, dueAt, createdAt, updatedAt string
	var videoID, videoPath, lastErr sql.NullString
	var lastScore sql.NullFloat64

	err := row.Scan(&it.ID, &it.Day, &it.Slot, &kind, &it.Template, &it.Topic,
		&it.Voice, &it.Music, &it.TimeSlot, &it.Question, &it.Answer, &it.Category,
		&it.Fingerprint, &dueAt, &status, &videoID, &videoPath,
		&it.DurationSeconds, &it.ScoreCount, &lastScore, &lastErr,
		&createdAt, &updatedAt)
	if err != nil {
		return it, err
	}

	it.Kind = Kind(kind)
	it.Status = Status(status)
	it.ExternalVideoID = videoID.String
	it.VideoPath = videoPath.String
	it.LastError = lastErr.String
	if lastScore.Valid {
		v := lastScore.Float64
		it.LastScore = &v
	}
	if it.DueAt, err = time.Parse(time.RFC3339, dueAt); err != nil {
		return it, fmt.Errorf("failed to parse due_at: %w", err)
	}
	if it.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return it, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if it.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return it, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return it, nil
}

// InsertTx creates a new item inside the caller's transaction. Items are
// immutable after creation except for status-machine fields.
func InsertTx(tx *sql.Tx, it *Item) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.Exec(`
		INSERT INTO scheduled_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.Day, it.Slot, string(it.Kind), it.Template, it.Topic, it.Voice,
		it.Music, it.TimeSlot, it.Question, it.Answer, it.Category, it.Fingerprint,
		it.DueAt.UTC().Format(time.RFC3339), string(StatusPending),
		nullable(it.ExternalVideoID), nullable(it.VideoPath), it.DurationSeconds,
		it.ScoreCount, nil, nullable(it.LastError), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled item: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListByDay returns all items planned for a day, in slot order.
func ListByDay(db *sql.DB, day string) ([]Item, error) {
	return list(db, `SELECT `+itemColumns+` FROM scheduled_items WHERE day = ? ORDER BY slot ASC`, day)
}

// ListByStatus returns all items with the given status in due-time order.
func ListByStatus(db *sql.DB, status Status) ([]Item, error) {
	return list(db, `SELECT `+itemColumns+` FROM scheduled_items WHERE status = ? ORDER BY due_at ASC`, string(status))
}

// ListDue returns items with the given status whose due time has arrived,
// in due-time order.
func ListDue(db *sql.DB, status Status, now time.Time) ([]Item, error) {
	return list(db, `
		SELECT `+itemColumns+` FROM scheduled_items
		WHERE status = ? AND due_at <= ?
		ORDER BY due_at ASC
	`, string(status), now.UTC().Format(time.RFC3339))
}

// ListScored returns posted items that received a score within the last
// `days` days, for joint-pattern mining.
func ListScored(db *sql.DB, days int, now time.Time) ([]Item, error) {
	cutoff := now.UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	return list(db, `
		SELECT `+itemColumns+` FROM scheduled_items
		WHERE status = ? AND last_score IS NOT NULL AND created_at >= ?
		ORDER BY created_at DESC
	`, string(StatusPosted), cutoff)
}

// ListScorable returns posted items that still have scoring passes left.
func ListScorable(db *sql.DB, maxPasses int) ([]Item, error) {
	return list(db, `
		SELECT `+itemColumns+` FROM scheduled_items
		WHERE status = ? AND external_video_id IS NOT NULL AND score_count < ?
		ORDER BY due_at ASC
	`, string(StatusPosted), maxPasses)
}

func list(db *sql.DB, query string, args ...any) ([]Item, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return out, nil
}

// Get loads a single item.
func Get(db *sql.DB, id string) (Item, error) {
	row := db.QueryRow(`SELECT `+itemColumns+` FROM scheduled_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return it, fmt.Errorf("item %s not found", id)
	}
	if err != nil {
		return it, fmt.Errorf("failed to load item: %w", err)
	}
	return it, nil
}

// CountAll returns the total number of items ever created. Zero means the
// cold-start bootstrap applies.
func CountAll(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(1) FROM scheduled_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// transition applies a validated status change inside tx.
func transition(tx *sql.Tx, id string, to Status, set string, args ...any) error {
	var from string
	if err := tx.QueryRow(`SELECT status FROM scheduled_items WHERE id = ?`, id).Scan(&from); err != nil {
		return fmt.Errorf("failed to read item status: %w", err)
	}
	if !CanTransition(Status(from), to) {
		return fmt.Errorf("illegal transition %s -> %s for item %s", from, to, id)
	}

	query := `UPDATE scheduled_items SET status = ?, updated_at = ?` + set + ` WHERE id = ?`
	full := append([]any{string(to), time.Now().UTC().Format(time.RFC3339)}, args...)
	full = append(full, id)
	if _, err := tx.Exec(query, full...); err != nil {
		return fmt.Errorf("failed to transition item to %s: %w", to, err)
	}
	return nil
}

// MarkRenderedTx records a successful render.
func MarkRenderedTx(tx *sql.Tx, id, videoPath string, durationSeconds float64) error {
	return transition(tx, id, StatusRendered,
		`, video_path = ?, duration_seconds = ?, last_error = NULL`, videoPath, durationSeconds)
}

// MarkPostedTx records a confirmed upload.
func MarkPostedTx(tx *sql.Tx, id, externalVideoID string) error {
	return transition(tx, id, StatusPosted,
		`, external_video_id = ?, last_error = NULL`, externalVideoID)
}

// MarkFailedTx records a failure, keeping the item for a later retry.
func MarkFailedTx(tx *sql.Tx, id, reason string) error {
	return transition(tx, id, StatusFailed, `, last_error = ?`, reason)
}

// MarkSkippedTx retires an item that was never attempted.
func MarkSkippedTx(tx *sql.Tx, id, reason string) error {
	return transition(tx, id, StatusSkipped, `, last_error = ?`, reason)
}

// RecordScore bumps the scoring pass count and stores the latest score.
func RecordScore(db *sql.DB, id string, score float64) error {
	_, err := db.Exec(`
		UPDATE scheduled_items
		SET score_count = score_count + 1, last_score = ?, updated_at = ?
		WHERE id = ?
	`, score, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to record score: %w", err)
	}
	return nil
}

// SkipScorePass bumps the pass count without a score (metrics absent), so the
// item is not re-fetched forever on a dead lookback.
func SkipScorePass(db *sql.DB, id string) error {
	_, err := db.Exec(`
		UPDATE scheduled_items
		SET score_count = score_count + 1, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to advance score pass: %w", err)
	}
	return nil
}

// DayKey formats a counters period key for a day.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// WeekKey formats a counters period key for an ISO week.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// IncrementCounterTx adds delta to a period counter.
func IncrementCounterTx(tx *sql.Tx, periodKey, metric string, delta int) error {
	_, err := tx.Exec(`
		INSERT INTO counters (period_key, metric, value) VALUES (?, ?, ?)
		ON CONFLICT(period_key, metric) DO UPDATE SET value = value + excluded.value
	`, periodKey, metric, delta)
	if err != nil {
		return fmt.Errorf("failed to increment counter %s/%s: %w", periodKey, metric, err)
	}
	return nil
}

// GetCounter reads a period counter (0 when absent).
func GetCounter(db *sql.DB, periodKey, metric string) (int, error) {
	var v int
	err := db.QueryRow(`
		SELECT value FROM counters WHERE period_key = ? AND metric = ?
	`, periodKey, metric).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s/%s: %w", periodKey, metric, err)
	}
	return v, nil
}

// GetCounterTx is GetCounter inside a transaction, used when cap checks and
// increments must be atomic.
func GetCounterTx(tx *sql.Tx, periodKey, metric string) (int, error) {
	var v int
	err := tx.QueryRow(`
		SELECT value FROM counters WHERE period_key = ? AND metric = ?
	`, periodKey, metric).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s/%s: %w", periodKey, metric, err)
	}
	return v, nil
}

// PruneCounters drops counters for periods older than the retention horizon.
// Day keys and week keys each sort consistently within their own shape.
func PruneCounters(db *sql.DB, before time.Time) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM counters
		WHERE (period_key NOT LIKE '%-W%' AND period_key < ?)
		   OR (period_key LIKE '%-W%' AND period_key < ?)
	`, DayKey(before), WeekKey(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
