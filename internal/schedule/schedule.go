// Package schedule turns abstract daily time windows into concrete UTC
// publish timestamps with jitter and minimum spacing.
package schedule

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// Window is an abstract daily time window, "HH:MM-HH:MM". A window whose end
// is at or before its start wraps past midnight.
type Window struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// ParseWindow parses a single "HH:MM-HH:MM" spec.
func ParseWindow(s string) (Window, error) {
	var w Window
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return w, fmt.Errorf("invalid window %q: want HH:MM-HH:MM", s)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d:%d", &w.StartHour, &w.StartMin); err != nil {
		return w, fmt.Errorf("invalid window start %q: %w", parts[0], err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d:%d", &w.EndHour, &w.EndMin); err != nil {
		return w, fmt.Errorf("invalid window end %q: %w", parts[1], err)
	}
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 ||
		w.StartMin < 0 || w.StartMin > 59 || w.EndMin < 0 || w.EndMin > 59 {
		return w, fmt.Errorf("invalid window %q: out of range", s)
	}
	return w, nil
}

// ParseWindows parses a list of window specs.
func ParseWindows(specs []string) ([]Window, error) {
	out := make([]Window, 0, len(specs))
	for _, s := range specs {
		w, err := ParseWindow(s)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// pick returns a uniformly random instant inside the window on the given day.
func (w Window) pick(day time.Time, rng *rand.Rand) time.Time {
	d := day.UTC().Truncate(24 * time.Hour)
	start := d.Add(time.Duration(w.StartHour)*time.Hour + time.Duration(w.StartMin)*time.Minute)
	end := d.Add(time.Duration(w.EndHour)*time.Hour + time.Duration(w.EndMin)*time.Minute)
	if !end.After(start) {
		end = end.Add(24 * time.Hour)
	}
	span := int(end.Sub(start) / time.Second)
	if span <= 0 {
		return start
	}
	return start.Add(time.Duration(rng.Intn(span)) * time.Second)
}

// DaySeed derives a deterministic RNG seed from a purpose label and a
// calendar day, so re-planning the same day reproduces the same choices
// without any global random state.
func DaySeed(purpose string, day time.Time) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s", purpose, day.UTC().Format("2006-01-02"))
	return int64(h.Sum64())
}

// Allocator produces publish timestamps for one day.
type Allocator struct {
	Windows []Window
	Jitter  time.Duration
	MinGap  time.Duration
	MinLead time.Duration
}

// Allocate returns n sorted UTC timestamps for the given day. Each starts
// inside some window plus jitter; consecutive timestamps are at least MinGap
// apart. Spacing correction may push a timestamp out of its window: spacing
// takes priority over window containment. Timestamps that would land in the
// past (relative to now, plus MinLead) roll to the same time next day.
func (a Allocator) Allocate(day time.Time, n int, now time.Time, rng *rand.Rand) []time.Time {
	if n <= 0 || len(a.Windows) == 0 {
		return nil
	}

	order := rng.Perm(len(a.Windows))
	idx := make([]int, 0, n)
	for _, i := range order {
		if len(idx) == n {
			break
		}
		idx = append(idx, i)
	}
	// With replacement once every window is used.
	for len(idx) < n {
		idx = append(idx, rng.Intn(len(a.Windows)))
	}

	return a.AllocateAt(day, idx, now, rng)
}

// AllocateAt is Allocate with the per-slot window choice supplied by the
// caller (the planner samples window buckets as a learned dimension).
// Indices out of range fall back to window 0.
func (a Allocator) AllocateAt(day time.Time, windowIdx []int, now time.Time, rng *rand.Rand) []time.Time {
	if len(windowIdx) == 0 || len(a.Windows) == 0 {
		return nil
	}

	out := make([]time.Time, 0, len(windowIdx))
	for _, i := range windowIdx {
		if i < 0 || i >= len(a.Windows) {
			i = 0
		}
		ts := a.Windows[i].pick(day, rng)
		if a.Jitter > 0 {
			ts = ts.Add(time.Duration(rng.Int63n(int64(a.Jitter) + 1)))
		}
		if !ts.After(now.Add(a.MinLead)) {
			ts = ts.Add(24 * time.Hour)
		}
		out = append(out, ts)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	// Push any timestamp closer than MinGap to its predecessor forward by
	// exactly the shortfall.
	for i := 1; i < len(out); i++ {
		min := out[i-1].Add(a.MinGap)
		if out[i].Before(min) {
			out[i] = min
		}
	}

	return out
}

// BucketLabel names the window a timestamp belongs to ("S0", "S1", ...).
// Spacing correction can push a timestamp out of every window; it is then
// attributed to the window with the nearest start.
func (a Allocator) BucketLabel(ts time.Time) string {
	if len(a.Windows) == 0 {
		return "S0"
	}

	minute := ts.UTC().Hour()*60 + ts.UTC().Minute()
	bestIdx, bestDist := 0, 1<<30
	for i, w := range a.Windows {
		start := w.StartHour*60 + w.StartMin
		end := w.EndHour*60 + w.EndMin
		if end <= start {
			end += 24 * 60
		}
		m := minute
		if m < start {
			m += 24 * 60
		}
		if m >= start && m < end {
			return fmt.Sprintf("S%d", i)
		}
		dist := minute - start
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			bestIdx = i
		}
	}
	return fmt.Sprintf("S%d", bestIdx)
}
