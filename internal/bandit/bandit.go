// Package bandit implements the categorical arm selection used for planning:
// an epsilon-greedy policy whose exploitation step samples from a normal
// distribution around each arm's running mean, so under-observed arms stay
// competitive instead of being locked out by early noise.
package bandit

import (
	"math"
	"math/rand"
)

// ArmStats tracks reward observations for one arm using Welford's online
// algorithm. Rewards are clamped to [0,1].
type ArmStats struct {
	N    int
	Mean float64
	M2   float64
}

// Update folds one reward observation into the stats. Replaying the same
// reward counts as a new independent observation; the reward pipeline
// legitimately re-scores items on longer lookback windows.
func (s *ArmStats) Update(x float64) {
	x = clamp(x, 0, 1)
	s.N++
	delta := x - s.Mean
	s.Mean += delta / float64(s.N)
	s.M2 += delta * (x - s.Mean)
}

// Variance returns the sample variance, with a fixed prior before two
// observations exist.
func (s *ArmStats) Variance() float64 {
	if s.N < 2 {
		return 0.10
	}
	return math.Max(1e-6, s.M2/float64(s.N-1))
}

// Sample draws a value from N(mean, sd) where sd shrinks with observations
// but never below the exploration floor.
func (s *ArmStats) Sample(rng *rand.Rand, explore float64) float64 {
	sd := math.Sqrt(s.Variance()/math.Max(1, float64(s.N))) + explore
	return s.Mean + rng.NormFloat64()*sd
}

// Bandit is a categorical bandit over named arms within one decision
// dimension.
type Bandit struct {
	arms  []string
	stats map[string]*ArmStats
}

// New builds a bandit over the given arms, dropping duplicates and empties.
func New(arms []string) *Bandit {
	b := &Bandit{stats: make(map[string]*ArmStats)}
	for _, a := range arms {
		if a == "" {
			continue
		}
		if _, ok := b.stats[a]; ok {
			continue
		}
		b.arms = append(b.arms, a)
		b.stats[a] = &ArmStats{}
	}
	return b
}

// Restore seeds an arm with persisted stats, registering it if unknown.
func (b *Bandit) Restore(arm string, stats ArmStats) {
	if arm == "" {
		return
	}
	if _, ok := b.stats[arm]; !ok {
		b.arms = append(b.arms, arm)
	}
	s := stats
	b.stats[arm] = &s
}

// Observe records a reward for an arm, registering it if unknown.
func (b *Bandit) Observe(arm string, reward float64) {
	if arm == "" {
		return
	}
	s, ok := b.stats[arm]
	if !ok {
		s = &ArmStats{}
		b.arms = append(b.arms, arm)
		b.stats[arm] = s
	}
	s.Update(reward)
}

// Pick returns an arm: with probability epsilon a uniformly random one,
// otherwise the arm with the highest sampled value.
func (b *Bandit) Pick(rng *rand.Rand, epsilon, explore float64) string {
	if len(b.arms) == 0 {
		return ""
	}
	if rng.Float64() < epsilon {
		return b.arms[rng.Intn(len(b.arms))]
	}

	best := b.arms[0]
	bestVal := math.Inf(-1)
	for _, a := range b.arms {
		if v := b.stats[a].Sample(rng, explore); v > bestVal {
			bestVal = v
			best = a
		}
	}
	return best
}

// Arms returns the registered arms in registration order.
func (b *Bandit) Arms() []string {
	out := make([]string, len(b.arms))
	copy(out, b.arms)
	return out
}

// Mean returns the running mean reward for an arm (0 if unobserved).
func (b *Bandit) Mean(arm string) float64 {
	if s, ok := b.stats[arm]; ok {
		return s.Mean
	}
	return 0
}

// Count returns the observation count for an arm.
func (b *Bandit) Count(arm string) int {
	if s, ok := b.stats[arm]; ok {
		return s.N
	}
	return 0
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
