package balancer

import (
	"math/rand/v2"
	"time"

	"github.com/relaymux/relaymux/internal/channel"
)

// Adaptive draws channels proportionally to their rolling health score
// (trailing success rate discounted by average latency, with a decaying
// post-failure cooldown). The score state is shared process-wide, so a
// channel that just failed one request is down-weighted for all requests.
type Adaptive struct {
	health *channel.HealthTracker
	rng    *lockedRand
	now    func() time.Time
}

// NewAdaptive creates the adaptive strategy. src may be nil; tests pass a
// seeded source for deterministic draws.
func NewAdaptive(health *channel.HealthTracker, src rand.Source) *Adaptive {
	return &Adaptive{health: health, rng: newLockedRand(src), now: time.Now}
}

// Name implements Strategy.
func (a *Adaptive) Name() string { return "adaptive" }

// Select implements Strategy.
func (a *Adaptive) Select(candidates []*channel.Channel, excluded map[int64]struct{}) *channel.Channel {
	pool := eligible(candidates, excluded)
	if len(pool) == 0 {
		return nil
	}

	now := a.now()
	scores := make([]float64, len(pool))
	var total float64
	for i, ch := range pool {
		scores[i] = a.health.Score(ch.ID, now)
		total += scores[i]
	}
	if total <= 0 {
		// Every candidate is fully cooled down or has zero score; fall
		// back to a uniform draw rather than reporting no channel.
		return pool[a.rng.IntN(len(pool))]
	}
	return pool[drawProportional(a.rng, scores, total)]
}
