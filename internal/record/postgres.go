package record

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymux/relaymux/internal/json"
	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/models"
	"github.com/relaymux/relaymux/internal/resilience"
)

// PostgresRecorder implements Recorder on PostgreSQL with pgx. Request
// rows are written synchronously (their status transitions are the
// source of truth for the audit views); execution rows are batched
// through a channel and flushed with CopyFrom.
type PostgresRecorder struct {
	pool          *pgxpool.Pool
	execChan      chan *models.RequestExecution
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	writeRetry    *resilience.Executor[any]
	batchSize     int
	retentionDays int
}

const (
	pgDefaultBatchSize         = 100
	pgDefaultFlushInterval     = 5 * time.Second
	pgDefaultRetentionDays     = 30
	pgDefaultChannelBufferSize = 1000
)

// NewPostgresRecorder connects, verifies and bootstraps the schema. The
// recorder must be started with Start() before use.
func NewPostgresRecorder(dsn string, cfg Config) (*PostgresRecorder, error) {
	if dsn == "" {
		return nil, fmt.Errorf("record: postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("record: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("record: ping database: %w", err)
	}
	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("record: initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = pgDefaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = pgDefaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = pgDefaultRetentionDays
	}

	return &PostgresRecorder{
		pool:          pool,
		execChan:      make(chan *models.RequestExecution, pgDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		writeRetry:    resilience.NewExecutor[any](resilience.DefaultWriteRetryConfig),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT 'api',
		model_id TEXT NOT NULL DEFAULT '',
		stream BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		latency_ms BIGINT,
		first_token_latency_ms BIGINT,
		tokens_per_second DOUBLE PRECISION,
		error_summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS request_executions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		channel_id BIGINT NOT NULL,
		model_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		request_body BYTEA,
		response_body BYTEA,
		response_chunks JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		latency_ms BIGINT,
		first_token_latency_ms BIGINT,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		reasoning_tokens BIGINT NOT NULL DEFAULT 0,
		audio_tokens BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_executions_request_id ON request_executions(request_id);
	CREATE INDEX IF NOT EXISTS idx_executions_channel ON request_executions(channel_id, created_at);
	`
	_, err := pool.Exec(ctx, schema)
	return err
}

// Start begins the write and cleanup loops.
func (r *PostgresRecorder) Start() error {
	r.wg.Add(2)
	go r.writeLoop()
	go r.cleanupLoop()
	return nil
}

// Stop drains pending execution writes and closes the pool.
func (r *PostgresRecorder) Stop() error {
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.flushTicker.Stop()
		r.cleanupTicker.Stop()
		r.wg.Wait()
		if r.pool != nil {
			r.pool.Close()
		}
	})
	return nil
}

// StartRequest implements Recorder.
func (r *PostgresRecorder) StartRequest(ctx context.Context, req *models.Request) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO requests (id, source, model_id, stream, status, error_summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, req.ID, req.Source, req.ModelID, req.Stream, req.Status, req.ErrorSummary, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record: insert request: %w", err)
	}
	return nil
}

// FinishRequest implements Recorder.
func (r *PostgresRecorder) FinishRequest(ctx context.Context, req *models.Request) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE requests SET status = $2, latency_ms = $3, first_token_latency_ms = $4,
			tokens_per_second = $5, error_summary = $6, updated_at = $7
		WHERE id = $1
	`, req.ID, req.Status, req.LatencyMs, req.FirstTokenLatencyMs, req.TokensPerSecond, req.ErrorSummary, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record: finish request: %w", err)
	}
	return nil
}

// RecordExecution implements Recorder. The write is queued; when the
// queue is full the record is dropped with a warning rather than
// blocking the retry loop.
func (r *PostgresRecorder) RecordExecution(_ context.Context, exec *models.RequestExecution) error {
	select {
	case r.execChan <- exec:
		return nil
	default:
		log.Warnf("record: execution queue full, dropping record for request %s", exec.RequestID)
		return nil
	}
}

func (r *PostgresRecorder) writeLoop() {
	defer r.wg.Done()

	batch := make([]*models.RequestExecution, 0, r.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := r.writeRetry.Execute(ctx, func() (any, error) {
			return nil, r.writeBatch(ctx, batch)
		}); err != nil {
			log.Errorf("record: write execution batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case exec := <-r.execChan:
			batch = append(batch, exec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-r.flushTicker.C:
			flush()
		case <-r.stopChan:
			for {
				select {
				case exec := <-r.execChan:
					batch = append(batch, exec)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *PostgresRecorder) writeBatch(ctx context.Context, execs []*models.RequestExecution) error {
	if len(execs) == 0 {
		return nil
	}
	columns := []string{
		"id", "request_id", "channel_id", "model_id", "status",
		"request_body", "response_body", "response_chunks", "error_message",
		"latency_ms", "first_token_latency_ms",
		"prompt_tokens", "completion_tokens", "reasoning_tokens", "audio_tokens",
		"created_at", "updated_at",
	}
	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"request_executions"},
		columns,
		pgx.CopyFromSlice(len(execs), func(i int) ([]any, error) {
			e := execs[i]
			chunks, errEnc := encodeChunks(e.ResponseChunks)
			if errEnc != nil {
				return nil, errEnc
			}
			usage := e.Usage
			if usage == nil {
				usage = &models.Usage{}
			}
			return []any{
				e.ID, e.RequestID, e.ChannelID, e.ModelID, e.Status,
				e.RequestBody, e.ResponseBody, chunks, e.ErrorMessage,
				e.LatencyMs, e.FirstTokenLatencyMs,
				usage.PromptTokens, usage.CompletionTokens,
				usage.CompletionReasoningTokens, usage.CompletionAudioTokens,
				e.CreatedAt, e.UpdatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("record: copy executions: %w", err)
	}
	return nil
}

// encodeChunks serializes the ordered chunk list as a JSON string array.
func encodeChunks(chunks [][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = string(c)
	}
	return json.Marshal(out)
}

func decodeChunks(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := make([][]byte, len(raw))
	for i, s := range raw {
		out[i] = []byte(s)
	}
	return out
}

// GetRequest implements Recorder.
func (r *PostgresRecorder) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, source, model_id, stream, status, latency_ms, first_token_latency_ms,
			tokens_per_second, error_summary, created_at, updated_at
		FROM requests WHERE id = $1
	`, id)
	return scanRequest(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var req models.Request
	if err := row.Scan(&req.ID, &req.Source, &req.ModelID, &req.Stream, &req.Status,
		&req.LatencyMs, &req.FirstTokenLatencyMs, &req.TokensPerSecond,
		&req.ErrorSummary, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, fmt.Errorf("record: scan request: %w", err)
	}
	return &req, nil
}

// ListRequests implements Recorder.
func (r *PostgresRecorder) ListRequests(ctx context.Context, page Page) ([]*models.Request, int64, error) {
	page = page.Normalize()

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requests`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("record: count requests: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, source, model_id, stream, status, latency_ms, first_token_latency_ms,
			tokens_per_second, error_summary, created_at, updated_at
		FROM requests ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("record: list requests: %w", err)
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		req, errScan := scanRequest(rows)
		if errScan != nil {
			return nil, 0, errScan
		}
		out = append(out, req)
	}
	return out, total, rows.Err()
}

// ListExecutions implements Recorder.
func (r *PostgresRecorder) ListExecutions(ctx context.Context, requestID string) ([]*models.RequestExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, request_id, channel_id, model_id, status, request_body, response_body,
			response_chunks, error_message, latency_ms, first_token_latency_ms,
			prompt_tokens, completion_tokens, reasoning_tokens, audio_tokens,
			created_at, updated_at
		FROM request_executions WHERE request_id = $1 ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("record: list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.RequestExecution
	for rows.Next() {
		var e models.RequestExecution
		var chunks []byte
		var usage models.Usage
		if errScan := rows.Scan(&e.ID, &e.RequestID, &e.ChannelID, &e.ModelID, &e.Status,
			&e.RequestBody, &e.ResponseBody, &chunks, &e.ErrorMessage,
			&e.LatencyMs, &e.FirstTokenLatencyMs,
			&usage.PromptTokens, &usage.CompletionTokens,
			&usage.CompletionReasoningTokens, &usage.CompletionAudioTokens,
			&e.CreatedAt, &e.UpdatedAt); errScan != nil {
			return nil, fmt.Errorf("record: scan execution: %w", errScan)
		}
		e.ResponseChunks = decodeChunks(chunks)
		if usage != (models.Usage{}) {
			e.Usage = &usage
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// QueryStats implements Recorder.
func (r *PostgresRecorder) QueryStats(ctx context.Context, since time.Time) (*Stats, error) {
	var stats Stats
	row := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'canceled'),
			AVG(latency_ms)
		FROM requests WHERE created_at >= $1
	`, since)
	if err := row.Scan(&stats.TotalRequests, &stats.Completed, &stats.Failed,
		&stats.Canceled, &stats.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("record: query stats: %w", err)
	}

	row = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens + completion_tokens), 0)
		FROM request_executions WHERE created_at >= $1
	`, since)
	if err := row.Scan(&stats.TotalExecutions, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("record: query execution stats: %w", err)
	}
	return &stats, nil
}

// QueryChannelStats implements Recorder.
func (r *PostgresRecorder) QueryChannelStats(ctx context.Context, since time.Time) ([]ChannelStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT channel_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(prompt_tokens + completion_tokens), 0),
			AVG(latency_ms)
		FROM request_executions
		WHERE created_at >= $1
		GROUP BY channel_id
		ORDER BY channel_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("record: query channel stats: %w", err)
	}
	defer rows.Close()

	var out []ChannelStats
	for rows.Next() {
		var cs ChannelStats
		if errScan := rows.Scan(&cs.ChannelID, &cs.Executions, &cs.Completed,
			&cs.Failed, &cs.Tokens, &cs.AvgLatencyMs); errScan != nil {
			return nil, fmt.Errorf("record: scan channel stats: %w", errScan)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// Cleanup implements Recorder.
func (r *PostgresRecorder) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	execs, err := r.pool.Exec(ctx, `DELETE FROM request_executions WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	reqs, err := r.pool.Exec(ctx, `DELETE FROM requests WHERE created_at < $1`, before)
	if err != nil {
		return execs.RowsAffected(), err
	}
	return execs.RowsAffected() + reqs.RowsAffected(), nil
}

func (r *PostgresRecorder) cleanupLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -r.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := r.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				log.Errorf("record: cleanup old records: %v", err)
			} else if removed > 0 {
				log.Infof("record: cleaned up %d records older than %d days", removed, r.retentionDays)
			}
		case <-r.stopChan:
			return
		}
	}
}
