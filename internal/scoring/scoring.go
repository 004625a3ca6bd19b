// Package scoring maps raw engagement metrics into a single bounded reward.
package scoring

import "math"

// Bundle is a metrics snapshot for one published item. Platforms differ in
// what they expose, so each sub-signal carries its own presence flag; absent
// signals drop out of the blend instead of dragging the score down.
type Bundle struct {
	Views int64 `json:"views"`

	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	// HasEngagement marks likes/comments/shares as populated.
	HasEngagement bool `json:"has_engagement"`

	// AverageViewDurationSeconds and VideoLengthSeconds drive retention.
	AverageViewDurationSeconds float64 `json:"average_view_duration_seconds"`
	VideoLengthSeconds         float64 `json:"video_length_seconds"`
	HasRetention               bool    `json:"has_retention"`

	SubscribersGained int64 `json:"subscribers_gained"`
	HasSubscribers    bool  `json:"has_subscribers"`

	// HoursSincePublish enables the views-per-hour signal.
	HoursSincePublish float64 `json:"hours_since_publish"`
}

// Sub-signal blend weights, renormalized over whichever signals are present.
const (
	weightRetention   = 0.50
	weightEngagement  = 0.25
	weightViewsPerHr  = 0.15
	weightSubscribers = 0.10
)

// Score computes a reward in [0,1]. ok is false when there is no usable data
// (zero views or an empty bundle) so "no data yet" is never confused with
// "performed badly".
func Score(b Bundle) (float64, bool) {
	if b.Views <= 0 {
		return 0, false
	}

	type signal struct {
		value  float64
		weight float64
	}
	var signals []signal

	if b.HasRetention && b.VideoLengthSeconds > 0 {
		retention := clamp(b.AverageViewDurationSeconds/b.VideoLengthSeconds, 0, 1)
		signals = append(signals, signal{retention, weightRetention})
	}

	if b.HasEngagement {
		// likes + 2*comments + 2*shares per view, full marks at 5%.
		rate := float64(b.Likes+2*b.Comments+2*b.Shares) / float64(b.Views)
		signals = append(signals, signal{clamp(rate/0.05, 0, 1), weightEngagement})
	}

	if b.HoursSincePublish > 0 {
		vph := float64(b.Views) / b.HoursSincePublish
		// Log scale: ~500 views/hour saturates the signal.
		signals = append(signals, signal{clamp(math.Log1p(vph)/math.Log1p(500), 0, 1), weightViewsPerHr})
	}

	if b.HasSubscribers {
		ratio := float64(b.SubscribersGained) / float64(b.Views)
		signals = append(signals, signal{clamp(ratio/0.01, 0, 1), weightSubscribers})
	}

	if len(signals) == 0 {
		return 0, false
	}

	totalWeight := 0.0
	for _, s := range signals {
		totalWeight += s.weight
	}
	score := 0.0
	for _, s := range signals {
		score += s.value * (s.weight / totalWeight)
	}
	return clamp(score, 0, 1), true
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
