// Package models defines the request audit entities shared by the
// orchestrator, the recorder backends and the management API.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus tracks the lifecycle of an inbound request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCanceled   RequestStatus = "canceled"
)

// IsTerminal reports whether the status is final.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCanceled:
		return true
	}
	return false
}

// RequestSource identifies where an inbound request originated.
type RequestSource string

const (
	SourceAPI        RequestSource = "api"
	SourcePlayground RequestSource = "playground"
	SourceTest       RequestSource = "test"
)

// Request is one inbound client call. It may take several executions
// (attempts against channels) to reach a terminal status. The aggregate
// status is owned by the coordinator and is written exactly once at the
// terminal transition; only cancellation can be imposed externally.
type Request struct {
	ID        string        `json:"id"`
	Source    RequestSource `json:"source"`
	ModelID   string        `json:"model_id"`
	Stream    bool          `json:"stream"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	// Set only at the terminal completed transition. Nil means "no data"
	// (including clock-skew rejections), never zero.
	LatencyMs           *int64   `json:"latency_ms,omitempty"`
	FirstTokenLatencyMs *int64   `json:"first_token_latency_ms,omitempty"`
	TokensPerSecond     *float64 `json:"tokens_per_second,omitempty"`

	// ErrorSummary aggregates per-attempt errors when the request fails.
	ErrorSummary string `json:"error_summary,omitempty"`
}

// NewRequest creates a pending request with a fresh UUID.
func NewRequest(source RequestSource, modelID string, stream bool) *Request {
	now := time.Now()
	return &Request{
		ID:        uuid.NewString(),
		Source:    source,
		ModelID:   modelID,
		Stream:    stream,
		Status:    RequestStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ExecutionStatus tracks the lifecycle of a single attempt.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusProcessing ExecutionStatus = "processing"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCanceled   ExecutionStatus = "canceled"
)

// RequestExecution is one attempt to fulfill a request against one channel.
// Records are append-only: a record is written at most once, after the
// attempt terminates, and ResponseChunks is never mutated afterwards.
type RequestExecution struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	ChannelID int64           `json:"channel_id"`
	ModelID   string          `json:"model_id"`
	Status    ExecutionStatus `json:"status"`

	// Opaque payloads; the core never parses them beyond usage extraction.
	RequestBody    []byte   `json:"request_body,omitempty"`
	ResponseBody   []byte   `json:"response_body,omitempty"`
	ResponseChunks [][]byte `json:"response_chunks,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LatencyMs           *int64 `json:"latency_ms,omitempty"`
	FirstTokenLatencyMs *int64 `json:"first_token_latency_ms,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// NewExecution creates a pending execution for the given request/channel pair.
func NewExecution(requestID string, channelID int64, modelID string) *RequestExecution {
	now := time.Now()
	return &RequestExecution{
		ID:        uuid.NewString(),
		RequestID: requestID,
		ChannelID: channelID,
		ModelID:   modelID,
		Status:    ExecutionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Usage holds the token counters reported by the upstream provider.
// Counters are supplied by the billing subsystem or lifted from the
// provider response; zero values mean "not reported".
type Usage struct {
	PromptTokens              int64 `json:"prompt_tokens"`
	CompletionTokens          int64 `json:"completion_tokens"`
	CompletionReasoningTokens int64 `json:"completion_reasoning_tokens,omitempty"`
	CompletionAudioTokens     int64 `json:"completion_audio_tokens,omitempty"`
}

// TotalTokens returns the sum of prompt and completion tokens.
func (u *Usage) TotalTokens() int64 {
	if u == nil {
		return 0
	}
	return u.PromptTokens + u.CompletionTokens
}
