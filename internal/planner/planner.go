// Package planner composes the learner, duplicate index and time-window
// allocator into a concrete day plan. The planner only ever creates items;
// it never mutates existing ones, so it cannot race a publish loop.
package planner

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quizpilot/quizpilot/internal/bandit"
	"github.com/quizpilot/quizpilot/internal/canned"
	"github.com/quizpilot/quizpilot/internal/collab"
	"github.com/quizpilot/quizpilot/internal/config"
	"github.com/quizpilot/quizpilot/internal/dedup"
	"github.com/quizpilot/quizpilot/internal/items"
	"github.com/quizpilot/quizpilot/internal/schedule"
	"github.com/quizpilot/quizpilot/internal/state"
	"github.com/quizpilot/quizpilot/internal/textnorm"
	"github.com/quizpilot/quizpilot/internal/weights"
)

// Decision dimensions. Reward events and arm stats key on these names.
const (
	DimTemplate = "template"
	DimTopic    = "topic"
	DimVoice    = "voice"
	DimMusic    = "music"
	DimTimeSlot = "timeslot"
)

// Planner builds a day's schedule.
type Planner struct {
	DB      *sql.DB
	Cfg     *config.Config
	Dedup   *dedup.Index
	Weights *weights.Store
	Gen     collab.Generator
	Log     zerolog.Logger
	Clock   func() time.Time
}

// Result reports what planning did.
type Result struct {
	Day            string       `json:"day"`
	AlreadyPlanned bool         `json:"already_planned"`
	ColdStart      bool         `json:"cold_start"`
	Items          []items.Item `json:"items"`
}

func New(db *sql.DB, cfg *config.Config, ix *dedup.Index, ws *weights.Store, gen collab.Generator, log zerolog.Logger) *Planner {
	return &Planner{
		DB:      db,
		Cfg:     cfg,
		Dedup:   ix,
		Weights: ws,
		Gen:     gen,
		Log:     log.With().Str("component", "planner").Logger(),
		Clock:   func() time.Time { return time.Now().UTC() },
	}
}

// PlanDay creates the schedule for one calendar day. Re-running for an
// already-planned day is a no-op returning the existing items. The RNG is
// seeded from the day, so a crash between candidate generation and commit
// re-plans identically on the next attempt.
func (p *Planner) PlanDay(ctx context.Context, day time.Time) (*Result, error) {
	dayKey := items.DayKey(day)
	res := &Result{Day: dayKey}

	if _, planned, err := state.Get(p.DB, "planned:"+dayKey); err != nil {
		return nil, err
	} else if planned {
		existing, err := items.ListByDay(p.DB, dayKey)
		if err != nil {
			return nil, err
		}
		res.AlreadyPlanned = true
		res.Items = existing
		return res, nil
	}

	now := p.Clock()
	rng := rand.New(rand.NewSource(schedule.DaySeed("plan", day)))

	total, err := items.CountAll(p.DB)
	if err != nil {
		return nil, err
	}
	res.ColdStart = total == 0

	count := weightedChoiceInt(rng, p.Cfg.Planner.ShortsPerDayChoices, p.Cfg.Planner.ShortsPerDayWeights)
	if res.ColdStart {
		// Bootstrap: smallest batch, first item published immediately, so the
		// learner gets a first observation instead of waiting a full day.
		count = minInt(p.Cfg.Planner.ShortsPerDayChoices)
	}

	windows, err := schedule.ParseWindows(p.Cfg.Schedule.ShortWindows)
	if err != nil {
		return nil, fmt.Errorf("invalid short windows: %w", err)
	}
	alloc := schedule.Allocator{
		Windows: windows,
		Jitter:  time.Duration(p.Cfg.Schedule.JitterSeconds) * time.Second,
		MinGap:  time.Duration(p.Cfg.Schedule.MinGapMinutes) * time.Minute,
		MinLead: time.Duration(p.Cfg.Schedule.MinLeadMinutes) * time.Minute,
	}

	pickers, err := p.buildPickers(windows)
	if err != nil {
		return nil, err
	}

	// Sample a window bucket per slot, then allocate inside those windows.
	windowIdx := make([]int, count)
	for i := range windowIdx {
		windowIdx[i] = bucketIndex(pickers[DimTimeSlot].pick(rng), len(windows))
	}
	dueTimes := alloc.AllocateAt(day, windowIdx, now, rng)

	if res.ColdStart && len(dueTimes) > 0 {
		dueTimes[0] = now.Add(2 * time.Minute)
		sort.Slice(dueTimes, func(i, j int) bool { return dueTimes[i].Before(dueTimes[j]) })
	}

	patterns, err := p.topPatterns(now)
	if err != nil {
		return nil, err
	}

	planned := make([]items.Item, 0, count+1)
	usedPairs := make(map[string]bool)
	usedFingerprints := make(map[string]bool)
	distinctPairs := len(p.Cfg.Planner.Templates) * len(p.Cfg.Planner.Topics)

	for slot := 0; slot < len(dueTimes); slot++ {
		choice := p.chooseArms(rng, pickers, patterns)

		// No two items in one day share the same template+topic pair, unless
		// the option space is smaller than the requested count.
		if distinctPairs >= len(dueTimes) {
			for tries := 0; usedPairs[choice.template+"|"+choice.topic] && tries < 10; tries++ {
				choice.topic = pickers[DimTopic].pick(rng)
				if usedPairs[choice.template+"|"+choice.topic] {
					choice.template = pickers[DimTemplate].pick(rng)
				}
			}
		}
		usedPairs[choice.template+"|"+choice.topic] = true

		content, err := p.acceptCandidate(ctx, rng, choice.template, choice.topic, usedFingerprints)
		if err != nil {
			return nil, err
		}
		if content == nil {
			p.Log.Warn().Str("day", dayKey).Int("slot", slot).
				Msg("no acceptable candidate, slot left unplanned")
			continue
		}
		usedFingerprints[textnorm.Fingerprint(content.Question)] = true

		planned = append(planned, items.Item{
			ID:          uuid.NewString(),
			Day:         dayKey,
			Slot:        slot,
			Kind:        items.KindShort,
			Template:    choice.template,
			Topic:       choice.topic,
			Voice:       choice.voice,
			Music:       choice.music,
			TimeSlot:    alloc.BucketLabel(dueTimes[slot]),
			Question:    content.Question,
			Answer:      content.Answer,
			Category:    content.Category,
			Fingerprint: textnorm.Fingerprint(content.Question),
			DueAt:       dueTimes[slot],
		})
	}

	if long := p.planLong(rng, day, now, pickers); long != nil {
		planned = append(planned, *long)
	}

	if err := p.commitPlan(dayKey, planned); err != nil {
		return nil, err
	}

	p.Log.Info().Str("day", dayKey).Int("items", len(planned)).
		Bool("cold_start", res.ColdStart).Msg("day planned")
	res.Items = planned
	return res, nil
}

// armChoice is one slot's sampled decision.
type armChoice struct {
	template, topic, voice, music string
}

func (p *Planner) chooseArms(rng *rand.Rand, pickers map[string]*picker, patterns []pattern) armChoice {
	if len(patterns) > 0 && rng.Float64() < p.Cfg.Planner.PatternBias {
		pt := weightedPattern(rng, patterns)
		return armChoice{template: pt.template, topic: pt.topic, voice: pt.voice, music: pt.music}
	}
	return armChoice{
		template: pickers[DimTemplate].pick(rng),
		topic:    pickers[DimTopic].pick(rng),
		voice:    pickers[DimVoice].pick(rng),
		music:    pickers[DimMusic].pick(rng),
	}
}

// acceptCandidate asks the generator for candidates until one passes the
// safety gate, the duplicate index and the answer cooldown, then returns it.
// After the attempt budget it falls back to the canned bank; nil means even
// the canned bank is exhausted (every entry a recent duplicate).
func (p *Planner) acceptCandidate(ctx context.Context, rng *rand.Rand, template, topic string, usedFingerprints map[string]bool) (*collab.Content, error) {
	lookback := p.Dedup.LookbackFor(dedup.KindQuestion)
	var lastFingerprint string

	for attempt := 0; attempt < p.Cfg.Planner.MaxCandidateAttempts; attempt++ {
		var content collab.Content
		err := collab.Retry(ctx, p.Cfg.Retry, func() error {
			var genErr error
			content, genErr = p.Gen.Generate(ctx, template, topic)
			return genErr
		})
		if err != nil {
			p.Log.Warn().Err(err).Str("template", template).Str("topic", topic).
				Msg("generator failed, using canned fallback")
			break
		}

		fp := textnorm.Fingerprint(content.Question)
		// A failed candidate must be retried with different output, never the
		// same one again.
		if fp == lastFingerprint || usedFingerprints[fp] {
			continue
		}
		lastFingerprint = fp

		if reason := checkSafety(p.Cfg.Safety, content); reason != "" {
			p.Log.Debug().Str("reason", reason).Msg("candidate rejected by safety gate")
			continue
		}

		dup, err := p.Dedup.IsDuplicate(dedup.KindQuestion, content.Question, lookback)
		if err != nil {
			return nil, err
		}
		if dup {
			continue
		}

		uses, err := p.Dedup.AnswerCooldownCount(content.Answer, p.Cfg.Dedup.AnswerCooldownDays)
		if err != nil {
			return nil, err
		}
		// Soft rejection: an over-used answer is usually but not absolutely
		// rejected, so small answer spaces stay usable.
		if uses > 0 && rng.Float64() < p.Cfg.Dedup.AnswerCooldownRejectProb {
			continue
		}

		return &content, nil
	}

	for _, c := range canned.Items() {
		fp := textnorm.Fingerprint(c.Question)
		if usedFingerprints[fp] {
			continue
		}
		dup, err := p.Dedup.IsDuplicate(dedup.KindQuestion, c.Question, lookback)
		if err != nil {
			return nil, err
		}
		if !dup {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}

// planLong returns the weekly long compilation item when the day qualifies.
func (p *Planner) planLong(rng *rand.Rand, day, now time.Time, pickers map[string]*picker) *items.Item {
	if !p.Cfg.Planner.LongEnabled {
		return nil
	}
	qualifies := false
	for _, d := range p.Cfg.Planner.LongDays {
		if int(day.UTC().Weekday()) == d {
			qualifies = true
			break
		}
	}
	if !qualifies {
		return nil
	}

	w, err := schedule.ParseWindow(p.Cfg.Schedule.LongWindow)
	if err != nil {
		p.Log.Warn().Err(err).Msg("invalid long window, skipping long item")
		return nil
	}
	alloc := schedule.Allocator{
		Windows: []schedule.Window{w},
		Jitter:  time.Duration(p.Cfg.Schedule.JitterSeconds) * time.Second,
		MinLead: time.Duration(p.Cfg.Schedule.MinLeadMinutes) * time.Minute,
	}
	due := alloc.Allocate(day, 1, now, rng)
	if len(due) == 0 {
		return nil
	}

	dayKey := items.DayKey(day)
	return &items.Item{
		ID:       uuid.NewString(),
		Day:      dayKey,
		Slot:     0,
		Kind:     items.KindLong,
		Template: "compilation",
		Topic:    "mixed",
		Voice:    pickers[DimVoice].pick(rng),
		Music:    pickers[DimMusic].pick(rng),
		TimeSlot: "L0",
		// The compilation reuses the week's published shorts; its identity is
		// the (day, kind) pair.
		Fingerprint: textnorm.Fingerprint("long|" + dayKey),
		DueAt:       due[0],
	}
}

// commitPlan writes the whole plan in one transaction: items, consumed
// fingerprints, answer uses and the planned marker. Commit-on-acceptance: a
// fingerprint is spent even if the item later fails to render, which
// guarantees no duplicate is ever produced.
func (p *Planner) commitPlan(dayKey string, planned []items.Item) error {
	tx, err := p.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin plan tx: %w", err)
	}
	defer tx.Rollback()

	for i := range planned {
		if err := items.InsertTx(tx, &planned[i]); err != nil {
			return err
		}
		if planned[i].Kind != items.KindShort {
			continue
		}
		if err := p.Dedup.CommitTx(tx, dedup.KindQuestion, planned[i].Question, planned[i].Category); err != nil {
			return err
		}
		if err := p.Dedup.CommitAnswerTx(tx, planned[i].Answer); err != nil {
			return err
		}
	}

	if err := state.SetTx(tx, "planned:"+dayKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

// picker samples one decision dimension using the configured strategy.
type picker struct {
	strategy string
	arms     []string
	bandit   *bandit.Bandit
	weights  map[string]float64
	epsilon  float64
	explore  float64
}

func (pk *picker) pick(rng *rand.Rand) string {
	if pk.strategy == "ema" {
		return bandit.WeightedPick(rng, pk.weights, pk.arms)
	}
	return pk.bandit.Pick(rng, pk.epsilon, pk.explore)
}

func (p *Planner) buildPickers(windows []schedule.Window) (map[string]*picker, error) {
	dims := map[string][]string{
		DimTemplate: p.Cfg.Planner.Templates,
		DimTopic:    p.Cfg.Planner.Topics,
		DimVoice:    p.Cfg.Planner.Voices,
		DimMusic:    p.Cfg.Planner.MusicArms,
		DimTimeSlot: bucketArms(len(windows)),
	}

	out := make(map[string]*picker, len(dims))
	for dim, arms := range dims {
		pk := &picker{
			strategy: p.Cfg.Learner.StrategyFor(dim),
			arms:     arms,
			epsilon:  p.Cfg.Learner.Epsilon,
			explore:  p.Cfg.Learner.ExplorationFloor,
		}
		if pk.strategy == "ema" {
			w, err := p.Weights.LoadWeights(dim)
			if err != nil {
				return nil, err
			}
			for _, a := range arms {
				if _, ok := w[a]; !ok {
					w[a] = 1.0
				}
			}
			pk.weights = w
		} else {
			stats, err := p.Weights.LoadStats(dim)
			if err != nil {
				return nil, err
			}
			b := bandit.New(arms)
			for arm, st := range stats {
				b.Restore(arm, st)
			}
			pk.bandit = b
		}
		out[dim] = pk
	}
	return out, nil
}

func bucketArms(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("S%d", i)
	}
	return out
}

func bucketIndex(arm string, n int) int {
	var i int
	if _, err := fmt.Sscanf(arm, "S%d", &i); err != nil || i < 0 || i >= n {
		return 0
	}
	return i
}

// pattern is a joint template+topic+voice+music combination with its
// confidence-weighted historical score.
type pattern struct {
	template, topic, voice, music string
	n                             int
	avg                           float64
	w                             float64
}

// topPatterns mines recently scored items for high-performing joint
// combinations, so learning happens at the combination level, not only
// per-dimension.
func (p *Planner) topPatterns(now time.Time) ([]pattern, error) {
	scored, err := items.ListScored(p.DB, p.Cfg.Planner.PatternDays, now)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	type bucket struct {
		pattern
		sum float64
	}
	buckets := make(map[string]*bucket)
	for _, it := range scored {
		if it.LastScore == nil || it.Kind != items.KindShort {
			continue
		}
		key := it.Template + "|" + it.Topic + "|" + it.Voice + "|" + it.Music
		b, ok := buckets[key]
		if !ok {
			b = &bucket{pattern: pattern{template: it.Template, topic: it.Topic, voice: it.Voice, music: it.Music}}
			buckets[key] = b
		}
		b.sum += *it.LastScore
		b.n++
	}

	var out []pattern
	for _, b := range buckets {
		if b.n < p.Cfg.Planner.PatternMinCount {
			continue
		}
		b.avg = b.sum / float64(b.n)
		conf := math.Min(0.6, math.Log(1+float64(b.n))/6.0)
		b.w = clamp01(b.avg) * (1.0 + conf)
		out = append(out, b.pattern)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].w > out[j].w })
	if len(out) > p.Cfg.Planner.PatternLimit {
		out = out[:p.Cfg.Planner.PatternLimit]
	}
	return out, nil
}

func weightedPattern(rng *rand.Rand, patterns []pattern) pattern {
	total := 0.0
	for _, pt := range patterns {
		total += pt.w
	}
	r := rng.Float64() * total
	for _, pt := range patterns {
		r -= pt.w
		if r <= 0 {
			return pt
		}
	}
	return patterns[len(patterns)-1]
}

// checkSafety returns a rejection reason, or "" when the content passes.
func checkSafety(cfg config.SafetyConfig, c collab.Content) string {
	q := textnorm.Normalize(c.Question)
	a := textnorm.Normalize(c.Answer)
	if len(q) < cfg.MinQuestionLen {
		return "question too short"
	}
	if cfg.MaxQuestionLen > 0 && len(q) > cfg.MaxQuestionLen {
		return "question too long"
	}
	if len(a) < cfg.MinAnswerLen {
		return "answer too short"
	}
	if cfg.MaxAnswerLen > 0 && len(a) > cfg.MaxAnswerLen {
		return "answer too long"
	}
	for _, banned := range cfg.Banned {
		b := textnorm.Normalize(banned)
		if b == "" {
			continue
		}
		if strings.Contains(q, b) || strings.Contains(a, b) {
			return "banned phrase"
		}
	}
	return ""
}

func weightedChoiceInt(rng *rand.Rand, choices []int, w []float64) int {
	total := 0.0
	for _, x := range w {
		total += x
	}
	r := rng.Float64() * total
	for i, x := range w {
		r -= x
		if r <= 0 {
			return choices[i]
		}
	}
	return choices[len(choices)-1]
}

func minInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
