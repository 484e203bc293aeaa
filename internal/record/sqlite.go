package record

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/models"
	"github.com/relaymux/relaymux/internal/resilience"
)

// SQLiteRecorder implements Recorder on an embedded SQLite database.
// It mirrors the Postgres recorder's batching model with a single
// writer goroutine, which also sidesteps SQLite's writer contention.
type SQLiteRecorder struct {
	db            *sql.DB
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

// NewSQLiteRecorder opens (creating parent directories as needed) and
// bootstraps the database at path.
func NewSQLiteRecorder(path string, cfg Config) (*SQLiteRecorder, error) {
	if path == "" {
		return nil, fmt.Errorf("record: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("record: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("record: open database: %w", err)
	}
	// The single writer goroutine owns all mutations.
	db.SetMaxOpenConns(1)

	if err := ensureSQLiteSchema(db); err != nil {
		db.Close()
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

	return &SQLiteRecorder{
		db:            db,
		execChan:      make(chan *models.RequestExecution, pgDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		writeRetry:    resilience.NewExecutor[any](resilience.DefaultWriteRetryConfig),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

func ensureSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT 'api',
		model_id TEXT NOT NULL DEFAULT '',
		stream INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		latency_ms INTEGER,
		first_token_latency_ms INTEGER,
		tokens_per_second REAL,
		error_summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS request_executions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		channel_id INTEGER NOT NULL,
		model_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		request_body BLOB,
		response_body BLOB,
		response_chunks BLOB,
		error_message TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER,
		first_token_latency_ms INTEGER,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens INTEGER NOT NULL DEFAULT 0,
		audio_tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_executions_request_id ON request_executions(request_id);
	CREATE INDEX IF NOT EXISTS idx_executions_channel ON request_executions(channel_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Start begins the write and cleanup loops.
func (r *SQLiteRecorder) Start() error {
	r.wg.Add(2)
	go r.writeLoop()
	go r.cleanupLoop()
	return nil
}

// Stop drains pending execution writes and closes the database.
func (r *SQLiteRecorder) Stop() error {
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.flushTicker.Stop()
		r.cleanupTicker.Stop()
		r.wg.Wait()
		if r.db != nil {
			r.db.Close()
		}
	})
	return nil
}

// StartRequest implements Recorder.
func (r *SQLiteRecorder) StartRequest(ctx context.Context, req *models.Request) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO requests (id, source, model_id, stream, status, error_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.Source, req.ModelID, req.Stream, req.Status, req.ErrorSummary, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record: insert request: %w", err)
	}
	return nil
}

// FinishRequest implements Recorder.
func (r *SQLiteRecorder) FinishRequest(ctx context.Context, req *models.Request) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE requests SET status = ?, latency_ms = ?, first_token_latency_ms = ?,
			tokens_per_second = ?, error_summary = ?, updated_at = ?
		WHERE id = ?
	`, req.Status, req.LatencyMs, req.FirstTokenLatencyMs, req.TokensPerSecond,
		req.ErrorSummary, req.UpdatedAt, req.ID)
	if err != nil {
		return fmt.Errorf("record: finish request: %w", err)
	}
	return nil
}

// RecordExecution implements Recorder.
func (r *SQLiteRecorder) RecordExecution(_ context.Context, exec *models.RequestExecution) error {
	select {
	case r.execChan <- exec:
		return nil
	default:
		log.Warnf("record: execution queue full, dropping record for request %s", exec.RequestID)
		return nil
	}
}

func (r *SQLiteRecorder) writeLoop() {
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

func (r *SQLiteRecorder) writeBatch(ctx context.Context, execs []*models.RequestExecution) error {
	if len(execs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record: begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_executions (
			id, request_id, channel_id, model_id, status,
			request_body, response_body, response_chunks, error_message,
			latency_ms, first_token_latency_ms,
			prompt_tokens, completion_tokens, reasoning_tokens, audio_tokens,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("record: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range execs {
		chunks, errEnc := encodeChunks(e.ResponseChunks)
		if errEnc != nil {
			return errEnc
		}
		usage := e.Usage
		if usage == nil {
			usage = &models.Usage{}
		}
		if _, errExec := stmt.ExecContext(ctx,
			e.ID, e.RequestID, e.ChannelID, e.ModelID, e.Status,
			e.RequestBody, e.ResponseBody, chunks, e.ErrorMessage,
			e.LatencyMs, e.FirstTokenLatencyMs,
			usage.PromptTokens, usage.CompletionTokens,
			usage.CompletionReasoningTokens, usage.CompletionAudioTokens,
			e.CreatedAt, e.UpdatedAt); errExec != nil {
			return fmt.Errorf("record: insert execution: %w", errExec)
		}
	}
	return tx.Commit()
}

// GetRequest implements Recorder.
func (r *SQLiteRecorder) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, source, model_id, stream, status, latency_ms, first_token_latency_ms,
			tokens_per_second, error_summary, created_at, updated_at
		FROM requests WHERE id = ?
	`, id)
	return scanRequest(row)
}

// ListRequests implements Recorder.
func (r *SQLiteRecorder) ListRequests(ctx context.Context, page Page) ([]*models.Request, int64, error) {
	page = page.Normalize()

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("record: count requests: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, model_id, stream, status, latency_ms, first_token_latency_ms,
			tokens_per_second, error_summary, created_at, updated_at
		FROM requests ORDER BY created_at DESC LIMIT ? OFFSET ?
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
func (r *SQLiteRecorder) ListExecutions(ctx context.Context, requestID string) ([]*models.RequestExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, channel_id, model_id, status, request_body, response_body,
			response_chunks, error_message, latency_ms, first_token_latency_ms,
			prompt_tokens, completion_tokens, reasoning_tokens, audio_tokens,
			created_at, updated_at
		FROM request_executions WHERE request_id = ? ORDER BY created_at ASC
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
func (r *SQLiteRecorder) QueryStats(ctx context.Context, since time.Time) (*Stats, error) {
	var stats Stats
	row := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'canceled' THEN 1 ELSE 0 END), 0),
			AVG(latency_ms)
		FROM requests WHERE created_at >= ?
	`, since)
	if err := row.Scan(&stats.TotalRequests, &stats.Completed, &stats.Failed,
		&stats.Canceled, &stats.AvgLatencyMs); err != nil {
		return nil, fmt.Errorf("record: query stats: %w", err)
	}

	row = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens + completion_tokens), 0)
		FROM request_executions WHERE created_at >= ?
	`, since)
	if err := row.Scan(&stats.TotalExecutions, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("record: query execution stats: %w", err)
	}
	return &stats, nil
}

// QueryChannelStats implements Recorder.
func (r *SQLiteRecorder) QueryChannelStats(ctx context.Context, since time.Time) ([]ChannelStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT channel_id,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(prompt_tokens + completion_tokens), 0),
			AVG(latency_ms)
		FROM request_executions
		WHERE created_at >= ?
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
func (r *SQLiteRecorder) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	execs, err := r.db.ExecContext(ctx, `DELETE FROM request_executions WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	execsN, _ := execs.RowsAffected()
	reqs, err := r.db.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, before)
	if err != nil {
		return execsN, err
	}
	reqsN, _ := reqs.RowsAffected()
	return execsN + reqsN, nil
}

func (r *SQLiteRecorder) cleanupLoop() {
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
