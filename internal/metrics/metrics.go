// Package metrics derives latency, time-to-first-token and throughput
// figures from recorded execution timestamps and usage counters. All
// functions are pure; undefined values are returned as nil ("no data"),
// never as zero, negative or infinite numbers.
package metrics

import (
	"time"

	"github.com/relaymux/relaymux/internal/models"
)

// Result holds the derived figures for one terminal execution.
type Result struct {
	LatencyMs           *int64
	FirstTokenLatencyMs *int64
	TokensPerSecond     *float64
}

// Latency returns end-start in milliseconds, or nil when the interval is
// negative (clock skew is surfaced as missing data, not a negative value).
func Latency(start, end time.Time) *int64 {
	if start.IsZero() || end.IsZero() {
		return nil
	}
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		return nil
	}
	return &ms
}

// FirstTokenLatency returns the time from attempt start to the first
// streamed chunk. Only defined for streaming executions.
func FirstTokenLatency(start time.Time, firstChunk *time.Time) *int64 {
	if firstChunk == nil {
		return nil
	}
	return Latency(start, *firstChunk)
}

// EffectiveGenerationSeconds is the window during which completion tokens
// were actually produced: total latency minus TTFT for streams, total
// latency otherwise. Returns 0 when the inputs are missing.
func EffectiveGenerationSeconds(stream bool, latencyMs, ttftMs *int64) float64 {
	if latencyMs == nil {
		return 0
	}
	ms := *latencyMs
	if stream {
		if ttftMs == nil {
			return 0
		}
		ms -= *ttftMs
		if ms < 0 {
			ms = 0
		}
	}
	return float64(ms) / 1000
}

// TokensPerSecond returns completionTokens / effectiveSeconds, or nil when
// either input makes the ratio undefined. Callers render nil as "no data".
func TokensPerSecond(completionTokens int64, effectiveSeconds float64) *float64 {
	if completionTokens <= 0 || effectiveSeconds <= 0 {
		return nil
	}
	tps := float64(completionTokens) / effectiveSeconds
	return &tps
}

// Compute derives the full metrics result for a terminal execution.
// firstChunk is the timestamp of the first streamed fragment, nil for
// buffered responses.
func Compute(exec *models.RequestExecution, stream bool, firstChunk *time.Time, usage *models.Usage) Result {
	latency := Latency(exec.CreatedAt, exec.UpdatedAt)
	ttft := FirstTokenLatency(exec.CreatedAt, firstChunk)

	var completion int64
	if usage != nil {
		completion = usage.CompletionTokens
	}
	eff := EffectiveGenerationSeconds(stream, latency, ttft)

	return Result{
		LatencyMs:           latency,
		FirstTokenLatencyMs: ttft,
		TokensPerSecond:     TokensPerSecond(completion, eff),
	}
}
