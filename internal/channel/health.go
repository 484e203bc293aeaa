package channel

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// healthWindow is the number of recent attempts kept per channel.
	healthWindow = 50

	// minHealthSamples is the attempt count below which a channel keeps
	// an optimistic default score, so new channels get explored.
	minHealthSamples = 3

	// failureCooldown down-weights a channel after a failed attempt so
	// retry loops and concurrent requests do not hammer it.
	failureCooldown = 15 * time.Second

	// cooldownFloor is the score multiplier at the start of a cooldown.
	cooldownFloor = 0.1

	// latencyScale normalizes observed latency; one second of average
	// latency halves the score.
	latencyScale = float64(time.Second / time.Millisecond)
)

// HealthTracker keeps a rolling outcome window per channel. It is shared
// across all concurrent requests; the dispatcher reports every attempt
// outcome here. Per-channel state is guarded by its own small mutex plus
// an atomic cooldown timestamp, so unrelated channels never contend.
type HealthTracker struct {
	mu       sync.RWMutex
	channels map[int64]*channelHealth
}

type channelHealth struct {
	mu            sync.Mutex
	window        [healthWindow]outcome
	size          int
	next          int
	cooldownUntil atomic.Int64 // unix nanos
}

type outcome struct {
	ok        bool
	latencyMs int64
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{channels: make(map[int64]*channelHealth)}
}

func (t *HealthTracker) get(id int64) *channelHealth {
	t.mu.RLock()
	h, ok := t.channels[id]
	t.mu.RUnlock()
	if ok {
		return h
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok = t.channels[id]; ok {
		return h
	}
	h = &channelHealth{}
	t.channels[id] = h
	return h
}

// ReportSuccess records a successful attempt and clears any cooldown.
func (t *HealthTracker) ReportSuccess(id int64, latency time.Duration) {
	h := t.get(id)
	h.record(outcome{ok: true, latencyMs: latency.Milliseconds()})
	h.cooldownUntil.Store(0)
}

// ReportFailure records a failed attempt and starts the cooldown window.
func (t *HealthTracker) ReportFailure(id int64, latency time.Duration) {
	h := t.get(id)
	h.record(outcome{ok: false, latencyMs: latency.Milliseconds()})
	h.cooldownUntil.Store(time.Now().Add(failureCooldown).UnixNano())
}

func (h *channelHealth) record(o outcome) {
	h.mu.Lock()
	h.window[h.next] = o
	h.next = (h.next + 1) % healthWindow
	if h.size < healthWindow {
		h.size++
	}
	h.mu.Unlock()
}

// Stats returns the trailing success rate and average latency in ms.
// The second return is the number of samples in the window.
func (t *HealthTracker) Stats(id int64) (successRate float64, avgLatencyMs float64, samples int) {
	h := t.get(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return 1, 0, 0
	}
	var ok, latSum, latCount int64
	for i := 0; i < h.size; i++ {
		o := h.window[i]
		if o.ok {
			ok++
		}
		if o.latencyMs > 0 {
			latSum += o.latencyMs
			latCount++
		}
	}
	successRate = float64(ok) / float64(h.size)
	if latCount > 0 {
		avgLatencyMs = float64(latSum) / float64(latCount)
	}
	return successRate, avgLatencyMs, h.size
}

// CooldownUntil returns when the channel's failure cooldown expires, or
// the zero time when none is active.
func (t *HealthTracker) CooldownUntil(id int64) time.Time {
	ns := t.get(id).cooldownUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Score computes the adaptive selection score at the given instant:
// successRate / (1 + normalizedLatency), scaled down while the channel is
// in a post-failure cooldown. The cooldown penalty decays linearly so a
// failed channel re-enters rotation gradually.
func (t *HealthTracker) Score(id int64, now time.Time) float64 {
	successRate, avgLatencyMs, samples := t.Stats(id)

	score := 1.0
	if samples >= minHealthSamples {
		score = successRate / (1 + avgLatencyMs/latencyScale)
	}

	until := t.CooldownUntil(id)
	if !until.IsZero() && now.Before(until) {
		remaining := until.Sub(now)
		frac := float64(remaining) / float64(failureCooldown)
		if frac > 1 {
			frac = 1
		}
		// cooldownFloor at the moment of failure, back to 1.0 at expiry.
		score *= 1 - (1-cooldownFloor)*frac
	}
	return score
}
