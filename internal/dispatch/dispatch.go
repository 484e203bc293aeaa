// Package dispatch performs one outbound attempt against a selected
// channel and classifies the outcome for the retry coordinator.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/models"
)

// Class is the error classification the coordinator's retry decisions
// depend on.
type Class string

const (
	// ClassNone marks a successful attempt.
	ClassNone Class = ""

	// ClassTransient marks a provider error worth retrying, on the same
	// channel first (timeouts, 408/429, 5xx, connection resets).
	ClassTransient Class = "transient"

	// ClassNonRetryable marks an error that will not succeed on this
	// channel no matter how often it is retried (malformed request,
	// authorization failure). The coordinator moves to the next channel.
	ClassNonRetryable Class = "non_retryable"

	// ClassCanceled marks a cooperative cancellation. It propagates as a
	// request-level cancellation, bypassing failure handling.
	ClassCanceled Class = "canceled"
)

// Attempt carries everything one dispatch needs.
type Attempt struct {
	Request *models.Request
	Channel *channel.Channel

	// Payload is the opaque request body forwarded to the channel.
	Payload []byte
	Stream  bool

	// Sink receives each streamed chunk as it arrives, in order. Nil for
	// buffered responses. Chunks handed to the sink are also retained in
	// the result for the audit trail.
	Sink func(chunk []byte)
}

// Result is the raw material the coordinator turns into a
// RequestExecution. It is always populated, error or not, so every
// attempt can be recorded.
type Result struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	FirstChunkAt *time.Time

	Body   []byte
	Chunks [][]byte
	Usage  *models.Usage

	Err   error
	Class Class
}

// Succeeded reports whether the attempt completed without error.
func (r *Result) Succeeded() bool { return r != nil && r.Err == nil }

// Forwarded reports whether any chunk already reached the caller's sink.
// Once true, the request can no longer fail over to another channel.
func (r *Result) Forwarded() bool { return r != nil && r.FirstChunkAt != nil }

// Dispatcher executes one attempt against one channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, attempt *Attempt) *Result
}

// StatusError is implemented by errors that carry an upstream HTTP
// status, enabling status-based classification.
type StatusError interface {
	error
	StatusCode() int
}

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string   { return e.message }
func (e *statusError) StatusCode() int { return e.status }

// NewStatusError creates an error carrying an upstream status code.
func NewStatusError(status int, message string) error {
	return &statusError{status: status, message: message}
}

// ClassifyStatus maps an upstream HTTP status to a retry class.
func ClassifyStatus(status int) Class {
	switch {
	case status < 400:
		return ClassNone
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassNonRetryable
	}
}

// ClassifyError maps an attempt error to a retry class. Context
// cancellation wins over everything else.
func ClassifyError(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}
	var se StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.StatusCode())
	}
	// Network-level failures (dial, reset, EOF) are worth retrying.
	return ClassTransient
}
