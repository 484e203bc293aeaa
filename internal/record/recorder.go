// Package record persists the request/execution audit trail and serves
// the read views consumed by the management API.
package record

import (
	"context"
	"time"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/models"
)

// Recorder is the persistence boundary for the coordinator. The
// coordinator calls StartRequest once when a request arrives,
// RecordExecution exactly once per attempt, and FinishRequest exactly
// once at the terminal transition. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// StartRequest stores a newly created request in pending state.
	StartRequest(ctx context.Context, req *models.Request) error

	// RecordExecution stores one terminated attempt. Records are
	// append-only; an execution is never updated after this call.
	RecordExecution(ctx context.Context, exec *models.RequestExecution) error

	// FinishRequest stores the terminal request status and metrics.
	FinishRequest(ctx context.Context, req *models.Request) error

	// GetRequest returns one request by id.
	GetRequest(ctx context.Context, id string) (*models.Request, error)

	// ListRequests returns a page of requests, newest first, plus the
	// total count.
	ListRequests(ctx context.Context, page Page) ([]*models.Request, int64, error)

	// ListExecutions returns all executions of a request in attempt order.
	ListExecutions(ctx context.Context, requestID string) ([]*models.RequestExecution, error)

	// QueryStats returns aggregate statistics since the given time.
	QueryStats(ctx context.Context, since time.Time) (*Stats, error)

	// QueryChannelStats returns per-channel statistics since the given time.
	QueryChannelStats(ctx context.Context, since time.Time) ([]ChannelStats, error)

	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start begins background workers (write loop, cleanup loop).
	Start() error

	// Stop gracefully shuts down, flushing pending writes.
	Stop() error
}

// Page bounds a paginated listing.
type Page struct {
	Offset int
	Limit  int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Stats is the aggregate view over recorded requests.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Canceled      int64 `json:"canceled"`

	TotalExecutions int64 `json:"total_executions"`
	TotalTokens     int64 `json:"total_tokens"`

	// AvgLatencyMs is nil when no completed request carries a latency.
	AvgLatencyMs *float64 `json:"avg_latency_ms,omitempty"`
}

// ChannelStats is the per-channel aggregate over recorded executions.
type ChannelStats struct {
	ChannelID    int64    `json:"channel_id"`
	Executions   int64    `json:"executions"`
	Completed    int64    `json:"completed"`
	Failed       int64    `json:"failed"`
	Tokens       int64    `json:"tokens"`
	AvgLatencyMs *float64 `json:"avg_latency_ms,omitempty"`
}

// Config holds backend initialization parameters.
type Config struct {
	// DSN selects the backend (sqlite://... or postgres://...); empty
	// keeps records in memory.
	DSN string

	// BatchSize is the number of execution records batched per write.
	BatchSize int

	// FlushInterval is how often pending writes are flushed.
	FlushInterval time.Duration

	// RetentionDays is how many days of records to keep.
	RetentionDays int
}

// NewRecorder creates the recorder matching the DSN scheme.
func NewRecorder(cfg Config) (Recorder, error) {
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	switch {
	case parsed.IsPostgres():
		return NewPostgresRecorder(parsed.URL, cfg)
	case parsed.IsSQLite():
		return NewSQLiteRecorder(parsed.Path, cfg)
	default:
		return NewMemoryRecorder(), nil
	}
}
