package bandit

import "math/rand"

// BlendWeights applies one EMA update round to a weight map. The batch of
// per-arm average rewards is min-max normalized into [0.2, 1.2] before
// blending, so a uniformly bad batch does not crater every weight. Arms absent
// from the batch keep their old weight; arms absent from old start at 1.0.
// No weight ever drops below floor, so no arm becomes permanently unreachable.
func BlendWeights(old map[string]float64, batchAvg map[string]float64, alpha, floor float64) map[string]float64 {
	out := make(map[string]float64, len(old)+len(batchAvg))
	for k, v := range old {
		out[k] = v
	}

	norm := normalizeBatch(batchAvg)
	for arm, nv := range norm {
		ov, ok := out[arm]
		if !ok {
			ov = 1.0
		}
		w := (1-alpha)*ov + alpha*nv
		if w < floor {
			w = floor
		}
		out[arm] = w
	}
	return out
}

// normalizeBatch min-max rescales values into [0.2, 1.2]. A single-value or
// constant batch maps to 1.0 (neutral).
func normalizeBatch(avg map[string]float64) map[string]float64 {
	if len(avg) == 0 {
		return nil
	}
	minV, maxV := avg[first(avg)], avg[first(avg)]
	for _, v := range avg {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	out := make(map[string]float64, len(avg))
	if maxV-minV < 1e-9 {
		for k := range avg {
			out[k] = 1.0
		}
		return out
	}
	for k, v := range avg {
		out[k] = (v-minV)/(maxV-minV) + 0.2
	}
	return out
}

func first(m map[string]float64) string {
	for k := range m {
		return k
	}
	return ""
}

// WeightedPick samples an arm proportionally to its weight. Arms with
// non-positive weight are treated as the floor weight 0.001 so they remain
// reachable.
func WeightedPick(rng *rand.Rand, weights map[string]float64, arms []string) string {
	if len(arms) == 0 {
		return ""
	}
	total := 0.0
	ws := make([]float64, len(arms))
	for i, a := range arms {
		w := weights[a]
		if w <= 0 {
			w = 0.001
		}
		ws[i] = w
		total += w
	}
	r := rng.Float64() * total
	for i, a := range arms {
		r -= ws[i]
		if r <= 0 {
			return a
		}
	}
	return arms[len(arms)-1]
}
