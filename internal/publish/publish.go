// Package publish drives due items through the render and upload stages,
// enforcing the status machine and the hard posting caps. Caps count only
// confirmed posts; a crash between upload and the local commit can at worst
// under-count, never over-post past the planner's own daily limit.
package publish

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/collab"
	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/items"
)

// Counter metrics.
const (
	MetricShortsPosted = "shorts_posted"
	MetricLongsPosted  = "longs_posted"
)

// Machine processes due items for one invocation.
type Machine struct {
	DB       *sql.DB
	Cfg      *config.Config
	Renderer collab.Renderer
	Uploader collab.Uploader
	Log      zerolog.Logger
	Clock    func() time.Time
}

// Result reports what one run-due pass did.
type Result struct {
	Resumed  int `json:"resumed"`
	Rendered int `json:"rendered"`
	Posted   int `json:"posted"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Capped   int `json:"capped"`
}

func New(db *sql.DB, cfg *config.Config, renderer collab.Renderer, uploader collab.Uploader, log zerolog.Logger) *Machine {
	return &Machine{
		DB:       db,
		Cfg:      cfg,
		Renderer: renderer,
		Uploader: uploader,
		Log:      log.With().Str("component", "publish").Logger(),
		Clock:    func() time.Time { return time.Now().UTC() },
	}
}

// RunDue advances every item whose due time has arrived. Rendered items are
// resumed first (the expensive work already happened; only the upload is
// missing), then stale pending items are retired, then due pending and failed
// items are processed in due order.
func (m *Machine) RunDue(ctx context.Context) (*Result, error) {
	now := m.Clock()
	res := &Result{}

	rendered, err := items.ListDue(m.DB, items.StatusRendered, now)
	if err != nil {
		return nil, err
	}
	for i := range rendered {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Resumed++
		m.uploadItem(ctx, &rendered[i], now, res)
	}

	if err := m.sweepStale(now, res); err != nil {
		return nil, err
	}

	pending, err := items.ListDue(m.DB, items.StatusPending, now)
	if err != nil {
		return nil, err
	}
	failed, err := items.ListDue(m.DB, items.StatusFailed, now)
	if err != nil {
		return nil, err
	}
	due := append(pending, failed...)
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })

	for i := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		it := &due[i]

		capped, err := m.atCap(it, now)
		if err != nil {
			return nil, err
		}
		if capped {
			res.Capped++
			// Only never-attempted items may be retired; a failed item stays
			// failed so a later invocation retries it.
			if it.Status == items.StatusPending {
				if err := m.markSkipped(it.ID, "posting cap reached"); err != nil {
					return nil, err
				}
				res.Skipped++
			}
			continue
		}

		// A failed item that already rendered re-enters through rendered, then
		// only the upload is retried.
		if it.VideoPath == "" {
			if !m.renderItem(ctx, it, res) {
				continue
			}
		} else if it.Status == items.StatusFailed {
			if err := m.inTx(func(tx *sql.Tx) error {
				return items.MarkRenderedTx(tx, it.ID, it.VideoPath, it.DurationSeconds)
			}); err != nil {
				m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to restore rendered status")
				continue
			}
			it.Status = items.StatusRendered
		}
		m.uploadItem(ctx, it, now, res)
	}

	m.Log.Info().Int("posted", res.Posted).Int("rendered", res.Rendered).
		Int("failed", res.Failed).Int("skipped", res.Skipped).Int("capped", res.Capped).
		Msg("run-due pass complete")
	return res, nil
}

// sweepStale retires pending items whose due time passed too long ago to
// still be worth publishing.
func (m *Machine) sweepStale(now time.Time, res *Result) error {
	horizon := now.Add(-time.Duration(m.Cfg.Publish.StalePendingHours) * time.Hour)
	stale, err := items.ListDue(m.DB, items.StatusPending, horizon)
	if err != nil {
		return err
	}
	for _, it := range stale {
		if err := m.markSkipped(it.ID, "stale: due time long past"); err != nil {
			return err
		}
		res.Skipped++
		m.Log.Warn().Str("item", it.ID).Time("due_at", it.DueAt).Msg("retired stale pending item")
	}
	return nil
}

// atCap reports whether posting this item would exceed the hard cap for its
// kind in the current period.
func (m *Machine) atCap(it *items.Item, now time.Time) (bool, error) {
	if it.Kind == items.KindLong {
		n, err := items.GetCounter(m.DB, items.WeekKey(now), MetricLongsPosted)
		if err != nil {
			return false, err
		}
		return n >= m.Cfg.Publish.MaxLongsPerWeek, nil
	}
	n, err := items.GetCounter(m.DB, items.DayKey(now), MetricShortsPosted)
	if err != nil {
		return false, err
	}
	return n >= m.Cfg.Publish.MaxShortsPerDay, nil
}

// renderItem runs the renderer and records the result. Returns true when the
// item is now rendered and ready to upload.
func (m *Machine) renderItem(ctx context.Context, it *items.Item, res *Result) bool {
	if m.Renderer == nil {
		m.Log.Warn().Str("item", it.ID).Msg("no renderer configured, leaving item for a later run")
		return false
	}

	var rr collab.RenderResult
	err := collab.Retry(ctx, m.Cfg.Retry, func() error {
		var rerr error
		rr, rerr = m.Renderer.Render(ctx, collab.RenderRequest{
			ItemID:   it.ID,
			Kind:     string(it.Kind),
			Template: it.Template,
			Topic:    it.Topic,
			Voice:    it.Voice,
			Music:    it.Music,
			Content: collab.Content{
				Question: it.Question,
				Answer:   it.Answer,
				Category: it.Category,
			},
		})
		return rerr
	})
	if err != nil {
		m.Log.Error().Err(err).Str("item", it.ID).Msg("render failed")
		// A retried item is already failed; there is no transition to record.
		if it.Status != items.StatusFailed {
			if ferr := m.markFailed(it.ID, "render: "+err.Error()); ferr != nil {
				m.Log.Error().Err(ferr).Str("item", it.ID).Msg("failed to record render failure")
			}
		}
		res.Failed++
		return false
	}

	tx, err := m.DB.Begin()
	if err != nil {
		m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to begin render tx")
		return false
	}
	if err := items.MarkRenderedTx(tx, it.ID, rr.VideoPath, rr.DurationSeconds); err != nil {
		tx.Rollback()
		m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to mark rendered")
		return false
	}
	if err := tx.Commit(); err != nil {
		m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to commit render")
		return false
	}

	it.VideoPath = rr.VideoPath
	it.DurationSeconds = rr.DurationSeconds
	it.Status = items.StatusRendered
	res.Rendered++
	return true
}

// uploadItem publishes a rendered item. On success the posted transition and
// the cap counter increment commit atomically.
func (m *Machine) uploadItem(ctx context.Context, it *items.Item, now time.Time, res *Result) {
	if m.Uploader == nil {
		m.Log.Warn().Str("item", it.ID).Msg("no uploader configured, leaving item for a later run")
		return
	}

	capped, err := m.atCap(it, now)
	if err != nil {
		m.Log.Error().Err(err).Str("item", it.ID).Msg("cap check failed")
		return
	}
	if capped {
		res.Capped++
		m.Log.Warn().Str("item", it.ID).Msg("posting cap reached, item stays rendered")
		return
	}

	var videoID string
	err = collab.Retry(ctx, m.Cfg.Retry, func() error {
		var uerr error
		videoID, uerr = m.Uploader.Upload(ctx, collab.UploadRequest{
			ItemID:      it.ID,
			VideoPath:   it.VideoPath,
			Title:       Title(it),
			Description: Description(it),
			Tags:        Tags(it),
			PublishAt:   it.DueAt,
		})
		return uerr
	})
	if err != nil {
		m.Log.Error().Err(err).Str("item", it.ID).Msg("upload failed")
		if ferr := m.markFailed(it.ID, "upload: "+err.Error()); ferr != nil {
			m.Log.Error().Err(ferr).Str("item", it.ID).Msg("failed to record upload failure")
		}
		res.Failed++
		return
	}

	tx, err := m.DB.Begin()
	if err != nil {
		m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to begin post tx")
		return
	}
	if err := items.MarkPostedTx(tx, it.ID, videoID); err != nil {
		tx.Rollback()
		m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to mark posted")
		return
	}
	period, metric := items.DayKey(now), MetricShortsPosted
	if it.Kind == items.KindLong {
		period, metric = items.WeekKey(now), MetricLongsPosted
	}
	if err := items.IncrementCounterTx(tx, period, metric, 1); err != nil {
		tx.Rollback()
		m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to increment counter")
		return
	}
	if err := tx.Commit(); err != nil {
		m.Log.Error().Err(err).Str("item", it.ID).Msg("failed to commit post")
		return
	}

	res.Posted++
	m.Log.Info().Str("item", it.ID).Str("video_id", videoID).Msg("item posted")
}

func (m *Machine) markFailed(id, reason string) error {
	return m.inTx(func(tx *sql.Tx) error { return items.MarkFailedTx(tx, id, reason) })
}

func (m *Machine) markSkipped(id, reason string) error {
	return m.inTx(func(tx *sql.Tx) error { return items.MarkSkippedTx(tx, id, reason) })
}

func (m *Machine) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := m.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Title builds the video title from the question, truncated to the platform
// limit.
func Title(it *items.Item) string {
	const maxLen = 95
	t := strings.TrimSpace(it.Question)
	if it.Kind == items.KindLong {
		t = "Quiz Compilation: " + it.Day
	}
	// Truncate on runes so a multi-byte question never yields invalid UTF-8.
	if r := []rune(t); len(r) > maxLen {
		t = string(r[:maxLen-3]) + "..."
	}
	return t
}

// Description builds the video description.
func Description(it *items.Item) string {
	var b strings.Builder
	if it.Kind == items.KindLong {
		b.WriteString("This week's best quiz questions in one video.\n")
	} else {
		b.WriteString(it.Question)
		b.WriteString("\n\nThink you know it? The answer is in the video!\n")
	}
	b.WriteString("\n#quiz #trivia")
	if it.Category != "" {
		b.WriteString(" #" + it.Category)
	}
	return b.String()
}

// Tags builds the upload tag list.
func Tags(it *items.Item) []string {
	tags := []string{"quiz", "trivia", "shorts"}
	if it.Kind == items.KindLong {
		tags = []string{"quiz", "trivia", "compilation"}
	}
	if it.Category != "" {
		tags = append(tags, it.Category)
	}
	if it.Topic != "" && it.Topic != it.Category {
		tags = append(tags, it.Topic)
	}
	return tags
}
