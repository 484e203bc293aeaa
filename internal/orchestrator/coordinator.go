// Package orchestrator drives a request through channel selection,
// dispatch, failure classification and bounded retry until it reaches a
// terminal state. Every attempt leaves an execution record behind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaymux/relaymux/internal/balancer"
	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/dispatch"
	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/models"
	"github.com/relaymux/relaymux/internal/record"
	"github.com/relaymux/relaymux/internal/resilience"
)

var (
	// ErrNoAvailableChannel is returned when no enabled channel serves
	// the requested model at all.
	ErrNoAvailableChannel = errors.New("no available channel for model")

	// ErrChannelsExhausted is returned when every tried channel failed
	// within the retry budget.
	ErrChannelsExhausted = errors.New("all channels exhausted")
)

const maxErrorSummaryLen = 2048

// Outcome is the result of a fully orchestrated request.
type Outcome struct {
	Request *models.Request

	// Execution is the attempt that produced the final answer. Nil when
	// the request failed or was canceled before any attempt succeeded.
	Execution *models.RequestExecution

	// Result carries the winning attempt's response payload.
	Result *dispatch.Result
}

// Coordinator owns the retry/failover loop. It is safe for concurrent
// use; the retry policy can be swapped at runtime and is snapshotted
// once per request.
type Coordinator struct {
	registry   *channel.Registry
	recorder   record.Recorder
	dispatcher dispatch.Dispatcher

	policy atomic.Pointer[config.RetryPolicy]

	adaptive balancer.Strategy
	weighted balancer.Strategy

	tracer trace.Tracer
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(registry *channel.Registry, recorder record.Recorder, dispatcher dispatch.Dispatcher, policy config.RetryPolicy) *Coordinator {
	c := &Coordinator{
		registry:   registry,
		recorder:   recorder,
		dispatcher: dispatcher,
		adaptive:   balancer.NewAdaptive(registry.Health(), nil),
		weighted:   balancer.NewWeighted(nil),
		tracer:     otel.Tracer("relaymux/orchestrator"),
	}
	c.policy.Store(&policy)
	return c
}

// Policy returns the current retry policy.
func (c *Coordinator) Policy() config.RetryPolicy {
	return *c.policy.Load()
}

// SetPolicy swaps the retry policy. In-flight requests keep the
// snapshot they started with.
func (c *Coordinator) SetPolicy(policy config.RetryPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	c.policy.Store(&policy)
	log.Infof("retry policy updated: enabled=%t channels=%d per-channel=%d delay=%dms strategy=%s",
		policy.Enabled, policy.MaxChannelRetries, policy.MaxSingleChannelRetries,
		policy.RetryDelayMs, policy.Strategy)
	return nil
}

func (c *Coordinator) strategyFor(policy config.RetryPolicy) balancer.Strategy {
	if policy.Strategy == config.StrategyWeighted {
		return c.weighted
	}
	return c.adaptive
}

// Execute runs req to a terminal state. payload is the opaque request
// body; sink, when non-nil, receives streamed chunks as they arrive.
// The request's terminal status is written exactly once, whichever
// branch gets there.
func (c *Coordinator) Execute(ctx context.Context, req *models.Request, payload []byte, sink func([]byte)) (*Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.model", req.ModelID),
		attribute.Bool("request.stream", req.Stream),
	))
	defer span.End()

	policy := c.Policy()
	strategy := c.strategyFor(policy)

	req.Status = models.RequestStatusProcessing
	req.UpdatedAt = time.Now()
	if err := c.recorder.StartRequest(ctx, req); err != nil {
		log.WithError(err).Warnf("record request %s start", req.ID)
	}

	channelBudget := 1
	attemptsPerChannel := 1
	if policy.Enabled {
		channelBudget = policy.MaxChannelRetries
		attemptsPerChannel = policy.MaxSingleChannelRetries + 1
	}
	retryDelay := time.Duration(policy.RetryDelayMs) * time.Millisecond

	excluded := make(map[int64]struct{})
	var failures []string
	var lastErr error

	for tried := 0; tried < channelBudget; tried++ {
		if err := ctx.Err(); err != nil {
			return c.finishCanceled(ctx, span, req, err)
		}
		candidates := c.registry.Candidates(req.ModelID)
		ch := strategy.Select(candidates, excluded)
		if ch == nil {
			if tried == 0 {
				return c.finishFailed(ctx, span, req, failures, ErrNoAvailableChannel)
			}
			break
		}
		excluded[ch.ID] = struct{}{}

		for attempt := 0; attempt < attemptsPerChannel; attempt++ {
			// Cancellation is observed before every attempt, never only
			// inside the retry wait.
			if err := ctx.Err(); err != nil {
				return c.finishCanceled(ctx, span, req, err)
			}
			if attempt > 0 {
				if err := resilience.WaitWithContext(ctx, retryDelay); err != nil {
					return c.finishCanceled(ctx, span, req, err)
				}
			}

			res, exec := c.attempt(ctx, req, ch, payload, sink)

			if res.Succeeded() {
				return c.finishCompleted(ctx, span, req, exec, res)
			}

			if res.Class == dispatch.ClassCanceled {
				return c.finishCanceled(ctx, span, req, res.Err)
			}

			c.registry.Health().ReportFailure(ch.ID, res.FinishedAt.Sub(res.StartedAt))
			lastErr = res.Err
			failures = append(failures, fmt.Sprintf("channel %d (%s) attempt %d: %v",
				ch.ID, ch.Name, attempt+1, res.Err))
			log.Warnf("request %s: channel %d attempt %d failed (%s): %v",
				req.ID, ch.ID, attempt+1, res.Class, res.Err)

			// A response that already reached the client cannot be
			// replayed on another channel.
			if res.Forwarded() {
				return c.finishFailed(ctx, span, req, failures, res.Err)
			}

			if res.Class == dispatch.ClassNonRetryable {
				break
			}
		}
	}

	exhausted := error(ErrChannelsExhausted)
	if lastErr != nil {
		exhausted = fmt.Errorf("%w: %w", ErrChannelsExhausted, lastErr)
	}
	return c.finishFailed(ctx, span, req, failures, exhausted)
}

// attempt performs one dispatch and records its execution. The record
// is written exactly once, whatever the outcome.
func (c *Coordinator) attempt(ctx context.Context, req *models.Request, ch *channel.Channel, payload []byte, sink func([]byte)) (*dispatch.Result, *models.RequestExecution) {
	ctx, span := c.tracer.Start(ctx, "orchestrator.attempt", trace.WithAttributes(
		attribute.Int64("channel.id", ch.ID),
	))
	defer span.End()

	exec := models.NewExecution(req.ID, ch.ID, req.ModelID)
	exec.Status = models.ExecutionStatusProcessing
	exec.RequestBody = payload

	res := c.dispatcher.Dispatch(ctx, &dispatch.Attempt{
		Request: req,
		Channel: ch,
		Payload: payload,
		Stream:  req.Stream,
		Sink:    sink,
	})

	exec.CreatedAt = res.StartedAt
	exec.UpdatedAt = res.FinishedAt
	exec.ResponseBody = res.Body
	exec.ResponseChunks = res.Chunks
	exec.Usage = res.Usage

	derived := metrics.Compute(exec, req.Stream, res.FirstChunkAt, res.Usage)
	exec.LatencyMs = derived.LatencyMs
	exec.FirstTokenLatencyMs = derived.FirstTokenLatencyMs

	switch {
	case res.Succeeded():
		exec.Status = models.ExecutionStatusCompleted
	case res.Class == dispatch.ClassCanceled:
		exec.Status = models.ExecutionStatusCanceled
		exec.ErrorMessage = res.Err.Error()
	default:
		exec.Status = models.ExecutionStatusFailed
		exec.ErrorMessage = res.Err.Error()
	}
	if res.Err != nil {
		span.SetStatus(codes.Error, string(res.Class))
	}

	if err := c.recorder.RecordExecution(ctx, exec); err != nil {
		log.WithError(err).Warnf("record execution %s", exec.ID)
	}
	return res, exec
}

func (c *Coordinator) finishCompleted(ctx context.Context, span trace.Span, req *models.Request, exec *models.RequestExecution, res *dispatch.Result) (*Outcome, error) {
	c.registry.Health().ReportSuccess(exec.ChannelID, res.FinishedAt.Sub(res.StartedAt))

	req.Status = models.RequestStatusCompleted
	req.UpdatedAt = time.Now()
	req.LatencyMs = metrics.Latency(req.CreatedAt, res.FinishedAt)
	req.FirstTokenLatencyMs = exec.FirstTokenLatencyMs
	req.TokensPerSecond = metrics.TokensPerSecond(
		completionTokens(res.Usage),
		metrics.EffectiveGenerationSeconds(req.Stream, exec.LatencyMs, exec.FirstTokenLatencyMs),
	)
	c.writeTerminal(ctx, req)

	span.SetAttributes(attribute.Int64("channel.id", exec.ChannelID))
	return &Outcome{Request: req, Execution: exec, Result: res}, nil
}

func (c *Coordinator) finishCanceled(ctx context.Context, span trace.Span, req *models.Request, cause error) (*Outcome, error) {
	req.Status = models.RequestStatusCanceled
	req.UpdatedAt = time.Now()
	req.ErrorSummary = truncate(fmt.Sprintf("canceled: %v", cause), maxErrorSummaryLen)
	c.writeTerminal(ctx, req)

	span.SetStatus(codes.Error, "canceled")
	return nil, cause
}

func (c *Coordinator) finishFailed(ctx context.Context, span trace.Span, req *models.Request, failures []string, cause error) (*Outcome, error) {
	req.Status = models.RequestStatusFailed
	req.UpdatedAt = time.Now()
	summary := cause.Error()
	if len(failures) > 0 {
		summary = fmt.Sprintf("%s: %s", cause, strings.Join(failures, "; "))
	}
	req.ErrorSummary = truncate(summary, maxErrorSummaryLen)
	c.writeTerminal(ctx, req)

	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	return nil, fmt.Errorf("request %s: %w", req.ID, cause)
}

// writeTerminal persists the terminal request state. Audit persistence
// never overrides an already decided outcome, so failures only log.
func (c *Coordinator) writeTerminal(ctx context.Context, req *models.Request) {
	// The terminal write must survive the caller's cancellation.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.recorder.FinishRequest(writeCtx, req); err != nil {
		log.WithError(err).Warnf("record request %s terminal state %s", req.ID, req.Status)
	}
}

func completionTokens(usage *models.Usage) int64 {
	if usage == nil {
		return 0
	}
	return usage.CompletionTokens
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
