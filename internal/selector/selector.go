// Package selector implements the pure backend-selection function
// described in spec.md §4.2: regional narrowing, then performance
// scoring, then a weighted random draw. It has no side effects and
// mutates nothing — callers pass in snapshots.
package selector

import (
	"math/rand/v2"
	"strings"

	"github.com/regionfront/dispatchproxy/internal/region"
	"github.com/regionfront/dispatchproxy/internal/registry"
)

// newBackendScore is the default score assigned when a candidate has
// no metrics yet, or zero recorded requests (spec.md §4.2 step 3).
const newBackendScore = 50.0

// Selector draws a backend for one request. The random source is
// injected so tests can seed it deterministically (spec.md §9).
type Selector struct {
	rand *rand.Rand
}

// New creates a Selector backed by a fresh, unseeded PRNG suitable for
// production use.
func New() *Selector {
	return &Selector{rand: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded creates a Selector with a deterministic PRNG, for tests
// that assert on weighted-draw frequency.
func NewSeeded(seed1, seed2 uint64) *Selector {
	return &Selector{rand: rand.New(rand.NewPCG(seed1, seed2))}
}

// Select picks one backend from candidates (must be non-empty).
// metrics may be nil — performance weighting is skipped in that case
// per spec.md §4.2 step 3.
func (s *Selector) Select(candidates []registry.Backend, ctx region.Context, metrics map[string]registry.Metrics) registry.Backend {
	// Step 1: trivial.
	if len(candidates) == 1 {
		return candidates[0]
	}

	// Step 2: regional narrowing.
	narrowed := narrowByRegion(candidates, ctx.Country)

	// Step 3: performance weighting, only if a non-empty snapshot was
	// supplied.
	weights := configuredWeights(narrowed)
	if len(metrics) > 0 {
		weights = transientWeights(narrowed, metrics)
	}

	// Step 4: weighted random draw.
	return weightedDraw(s.rand, narrowed, weights)
}

// narrowByRegion implements spec.md §4.2 step 2: exact region match,
// then partial (hyphen-split substring) match, then fall back to all
// candidates.
func narrowByRegion(candidates []registry.Backend, country string) []registry.Backend {
	preferred, ok := region.PreferredRegion(country)
	if !ok {
		return candidates
	}

	exact := filterRegion(candidates, func(r string) bool {
		return strings.EqualFold(r, preferred)
	})
	if len(exact) > 0 {
		return exact
	}

	parts := strings.Split(strings.ToLower(preferred), "-")
	partial := filterRegion(candidates, func(r string) bool {
		lower := strings.ToLower(r)
		for _, p := range parts {
			if strings.Contains(lower, p) {
				return true
			}
		}
		return false
	})
	if len(partial) > 0 {
		return partial
	}

	return candidates
}

func filterRegion(candidates []registry.Backend, match func(region string) bool) []registry.Backend {
	out := make([]registry.Backend, 0, len(candidates))
	for _, b := range candidates {
		if match(b.Region) {
			out = append(out, b)
		}
	}
	return out
}

// configuredWeights is used when no metrics snapshot is available —
// the transient weight degenerates to each backend's configured
// weight.
func configuredWeights(candidates []registry.Backend) []int {
	weights := make([]int, len(candidates))
	for i, b := range candidates {
		w := b.Weight
		if w < 1 {
			w = 1
		}
		weights[i] = w
	}
	return weights
}

// score computes spec.md §4.2 step 3's per-candidate score (lower is
// better).
func score(url string, metrics map[string]registry.Metrics) float64 {
	m, ok := metrics[url]
	if !ok || m.Requests == 0 {
		return newBackendScore
	}
	errorRate := float64(m.Errors) / float64(m.Requests)
	avgTime := float64(m.TotalTime) / float64(m.Requests)
	avgTimeComponent := avgTime / 100
	if avgTimeComponent > 50 {
		avgTimeComponent = 50
	}
	return errorRate*100*0.7 + avgTimeComponent*0.3
}

// transientWeights computes the per-decision weight from the
// performance scores of the narrowed candidate set.
func transientWeights(candidates []registry.Backend, metrics map[string]registry.Metrics) []int {
	scores := make([]float64, len(candidates))
	maxScore := 0.0
	for i, b := range candidates {
		scores[i] = score(b.URL, metrics)
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}
	maxScore++

	weights := make([]int, len(candidates))
	for i, sc := range scores {
		w := int(maxScore - sc)
		if w < 1 {
			w = 1
		}
		weights[i] = w
	}
	return weights
}

// weightedDraw performs spec.md §4.2 step 4: draw an integer r in
// [0, sum(w)), walk candidates in order subtracting weights until r
// drops below zero, so each candidate is drawn with probability
// w/sum(w). If the total weight is zero, return the first candidate.
func weightedDraw(r *rand.Rand, candidates []registry.Backend, weights []int) registry.Backend {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return candidates[0]
	}

	draw := r.IntN(total)
	for i, w := range weights {
		draw -= w
		if draw < 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
