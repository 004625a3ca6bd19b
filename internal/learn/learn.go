// Package learn turns platform analytics into reward observations. Posted
// items are re-scored on escalating lookbacks; every pass is an independent
// observation attributed to each decision dimension of the item.
package learn

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quizpilot/quizpilot/internal/collab"
	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/items"
	"github.com/quizpilot/quizpilot/internal/planner"
	"github.com/quizpilot/quizpilot/internal/scoring"
	"github.com/quizpilot/quizpilot/internal/weights"
)

// Learner runs scoring passes over posted items.
type Learner struct {
	DB        *sql.DB
	Cfg       *config.Config
	Analytics collab.Analytics
	Weights   *weights.Store
	Log       zerolog.Logger
	Clock     func() time.Time

	limiter *rate.Limiter
}

// Result reports one learn pass.
type Result struct {
	Considered int `json:"considered"`
	Scored     int `json:"scored"`
	NoData     int `json:"no_data"`
	Errors     int `json:"errors"`
}

func New(db *sql.DB, cfg *config.Config, analytics collab.Analytics, ws *weights.Store, log zerolog.Logger) *Learner {
	return &Learner{
		DB:        db,
		Cfg:       cfg,
		Analytics: analytics,
		Weights:   ws,
		Log:       log.With().Str("component", "learn").Logger(),
		Clock:     func() time.Time { return time.Now().UTC() },
		limiter:   rate.NewLimiter(rate.Limit(cfg.Learner.AnalyticsRatePerSecond), cfg.Learner.AnalyticsRateBurst),
	}
}

// Run scores every posted item that has a pending lookback pass whose age has
// been reached. Shorts feed all five decision dimensions; the long
// compilation has no sampled template or topic, so it feeds only voice and
// music.
func (l *Learner) Run(ctx context.Context) (*Result, error) {
	lookbacks := l.Cfg.Learner.RescoreLookbackHours
	scorable, err := items.ListScorable(l.DB, len(lookbacks))
	if err != nil {
		return nil, err
	}

	now := l.Clock()
	res := &Result{}
	// Per-dimension batch averages for the EMA blend at the end of the pass.
	batchSums := make(map[string]map[string]float64)
	batchCounts := make(map[string]map[string]int)

	for i := range scorable {
		it := &scorable[i]
		// Next pending pass and its required age.
		lookback := time.Duration(lookbacks[it.ScoreCount]) * time.Hour
		if now.Sub(it.DueAt) < lookback {
			continue
		}
		res.Considered++

		if err := l.limiter.Wait(ctx); err != nil {
			return res, err
		}

		var bundle scoring.Bundle
		err := collab.Retry(ctx, l.Cfg.Retry, func() error {
			var ferr error
			bundle, ferr = l.Analytics.FetchMetrics(ctx, it.ExternalVideoID, lookback)
			return ferr
		})
		if err != nil {
			l.Log.Warn().Err(err).Str("item", it.ID).Msg("metrics fetch failed, pass deferred")
			res.Errors++
			continue
		}

		reward, ok := scoring.Score(bundle)
		if !ok {
			// No usable data: burn the pass so a dead video is not re-fetched
			// forever, but record no reward.
			if err := items.SkipScorePass(l.DB, it.ID); err != nil {
				return res, err
			}
			res.NoData++
			continue
		}

		for dim, arm := range dimensionsOf(it) {
			if arm == "" {
				continue
			}
			if err := l.Weights.RecordReward(it.ID, dim, arm, reward, lookbacks[it.ScoreCount]); err != nil {
				return res, err
			}
			if batchSums[dim] == nil {
				batchSums[dim] = make(map[string]float64)
				batchCounts[dim] = make(map[string]int)
			}
			batchSums[dim][arm] += reward
			batchCounts[dim][arm]++
		}

		if err := items.RecordScore(l.DB, it.ID, reward); err != nil {
			return res, err
		}
		res.Scored++
		l.Log.Info().Str("item", it.ID).Float64("reward", reward).
			Int("lookback_hours", lookbacks[it.ScoreCount]).Msg("item scored")
	}

	for dim, sums := range batchSums {
		avg := make(map[string]float64, len(sums))
		for arm, sum := range sums {
			avg[arm] = sum / float64(batchCounts[dim][arm])
		}
		if err := l.Weights.BlendEMA(dim, avg, l.Cfg.Learner.Alpha, l.Cfg.Learner.WeightFloor); err != nil {
			return res, err
		}
	}

	l.Log.Info().Int("scored", res.Scored).Int("no_data", res.NoData).
		Int("errors", res.Errors).Msg("learn pass complete")
	return res, nil
}

// dimensionsOf maps an item to the arms it exercised.
func dimensionsOf(it *items.Item) map[string]string {
	dims := map[string]string{
		planner.DimVoice: it.Voice,
		planner.DimMusic: it.Music,
	}
	if it.Kind == items.KindShort {
		dims[planner.DimTemplate] = it.Template
		dims[planner.DimTopic] = it.Topic
		dims[planner.DimTimeSlot] = it.TimeSlot
	}
	return dims
}
