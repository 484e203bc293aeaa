// Package resilience provides the shared retry, backoff and circuit
// breaker primitives. The coordinator uses the context-aware wait, the
// recorder backends wrap writes in a failsafe executor, and the HTTP
// dispatcher guards each channel with a circuit breaker.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

// RetryConfig parameterizes a failsafe retry policy for internal
// operations such as audit writes.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
}

// DefaultWriteRetryConfig is used for recorder persistence writes.
var DefaultWriteRetryConfig = RetryConfig{
	MaxRetries:  3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	JitterDelay: 100 * time.Millisecond,
}

// NewRetryPolicy builds a failsafe retry policy from the config.
func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// Executor runs an operation under a retry policy.
type Executor[R any] struct {
	executor failsafe.Executor[R]
}

// NewExecutor creates an executor with the given retry config.
func NewExecutor[R any](cfg RetryConfig) *Executor[R] {
	return &Executor[R]{executor: failsafe.With(NewRetryPolicy[R](cfg))}
}

// Execute runs fn under the retry policy, honoring ctx cancellation.
func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	return e.executor.WithContext(ctx).Get(fn)
}

// BreakerConfig parameterizes a per-channel circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	IsSuccessful     func(err error) bool
}

// DefaultBreakerConfig returns breaker settings tuned for upstream
// channels: caller errors never trip the breaker, only channel failures.
func DefaultBreakerConfig(name string, isSuccessful func(err error) bool) BreakerConfig {
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful:     isSuccessful,
	}
}

// CircuitBreaker wraps gobreaker with our config shape.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a breaker from the config.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker.
func (c *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

// State returns the breaker state.
func (c *CircuitBreaker) State() gobreaker.State { return c.cb.State() }

// Counts returns the breaker counters.
func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }

// Name returns the breaker name.
func (c *CircuitBreaker) Name() string { return c.cb.Name() }

// CalculateBackoff returns the exponential backoff delay for an attempt,
// capped at maxDelay, with optional jitter.
func CalculateBackoff(attempt int, baseDelay, maxDelay, jitterDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	if jitterDelay > 0 {
		delay += time.Duration(rand.Int64N(int64(jitterDelay)))
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitWithContext sleeps for delay unless ctx is done first. The
// coordinator uses this for the fixed inter-attempt delay so a pending
// cancellation interrupts the wait.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
