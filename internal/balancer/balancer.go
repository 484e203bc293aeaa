// Package balancer implements the channel-selection strategies used by the
// retry coordinator. Strategies are interchangeable behind one Select
// contract and must be safe for concurrent use.
package balancer

import (
	"math/rand/v2"
	"sync"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/config"
)

// Strategy picks the next channel to try. A nil result means no eligible
// channel remains after exclusion; the coordinator treats that as
// NoAvailableChannel, not as a retryable error.
type Strategy interface {
	// Select picks one channel from candidates, skipping the excluded
	// set (channels already exhausted within the current request).
	Select(candidates []*channel.Channel, excluded map[int64]struct{}) *channel.Channel

	// Name returns the strategy name for logging.
	Name() string
}

// New builds the strategy configured by the retry policy. The health
// tracker is only consulted by the adaptive strategy.
func New(strategy config.LoadBalancerStrategy, health *channel.HealthTracker) Strategy {
	switch strategy {
	case config.StrategyWeighted:
		return NewWeighted(nil)
	default:
		return NewAdaptive(health, nil)
	}
}

// lockedRand wraps rand.Rand for concurrent use. Tests inject a seeded
// source for reproducible draws.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(src rand.Source) *lockedRand {
	if src == nil {
		return &lockedRand{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	}
	return &lockedRand{rng: rand.New(src)}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *lockedRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// eligible filters candidates against the per-request exclusion set.
func eligible(candidates []*channel.Channel, excluded map[int64]struct{}) []*channel.Channel {
	out := make([]*channel.Channel, 0, len(candidates))
	for _, ch := range candidates {
		if !ch.Eligible() {
			continue
		}
		if _, skip := excluded[ch.ID]; skip {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// drawProportional picks an index with probability weight[i]/sum(weight).
// The caller guarantees len(weights) == len(pool) and at least one
// positive weight.
func drawProportional(rng *lockedRand, weights []float64, total float64) int {
	target := rng.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if target < acc {
			return i
		}
	}
	return len(weights) - 1
}
