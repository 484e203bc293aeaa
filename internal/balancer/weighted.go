package balancer

import (
	"math/rand/v2"

	"github.com/relaymux/relaymux/internal/channel"
)

// Weighted draws channels proportionally to their static configured
// weight. Channels with weight 0 are never drawn unless every eligible
// candidate has weight 0, in which case the draw degrades to uniform.
type Weighted struct {
	rng *lockedRand
}

// NewWeighted creates the weighted strategy. src may be nil; tests pass a
// seeded source for deterministic draws.
func NewWeighted(src rand.Source) *Weighted {
	return &Weighted{rng: newLockedRand(src)}
}

// Name implements Strategy.
func (w *Weighted) Name() string { return "weighted" }

// Select implements Strategy.
func (w *Weighted) Select(candidates []*channel.Channel, excluded map[int64]struct{}) *channel.Channel {
	pool := eligible(candidates, excluded)
	if len(pool) == 0 {
		return nil
	}

	weights := make([]float64, len(pool))
	var total float64
	for i, ch := range pool {
		weights[i] = float64(ch.Weight)
		total += weights[i]
	}
	if total <= 0 {
		// All zero-weight: uniform fallback.
		return pool[w.rng.IntN(len(pool))]
	}
	return pool[drawProportional(w.rng, weights, total)]
}
