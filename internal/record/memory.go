package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/models"
)

// MemoryRecorder keeps the audit trail in process memory. It is the
// default when no audit DSN is configured, and the workhorse of the
// coordinator tests.
type MemoryRecorder struct {
	mu         sync.RWMutex
	requests   map[string]*models.Request
	executions map[string][]*models.RequestExecution
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		requests:   make(map[string]*models.Request),
		executions: make(map[string][]*models.RequestExecution),
	}
}

// StartRequest implements Recorder.
func (m *MemoryRecorder) StartRequest(_ context.Context, req *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *req
	m.requests[req.ID] = &dup
	return nil
}

// RecordExecution implements Recorder.
func (m *MemoryRecorder) RecordExecution(_ context.Context, exec *models.RequestExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *exec
	m.executions[exec.RequestID] = append(m.executions[exec.RequestID], &dup)
	return nil
}

// FinishRequest implements Recorder.
func (m *MemoryRecorder) FinishRequest(_ context.Context, req *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *req
	m.requests[req.ID] = &dup
	return nil
}

// GetRequest implements Recorder.
func (m *MemoryRecorder) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("record: request %s not found", id)
	}
	dup := *req
	return &dup, nil
}

// ListRequests implements Recorder.
func (m *MemoryRecorder) ListRequests(_ context.Context, page Page) ([]*models.Request, int64, error) {
	page = page.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*models.Request, 0, len(m.requests))
	for _, req := range m.requests {
		dup := *req
		all = append(all, &dup)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	if page.Offset >= len(all) {
		return nil, total, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset:end], total, nil
}

// ListExecutions implements Recorder.
func (m *MemoryRecorder) ListExecutions(_ context.Context, requestID string) ([]*models.RequestExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	execs := m.executions[requestID]
	out := make([]*models.RequestExecution, len(execs))
	for i, e := range execs {
		dup := *e
		out[i] = &dup
	}
	return out, nil
}

// QueryStats implements Recorder.
func (m *MemoryRecorder) QueryStats(_ context.Context, since time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{}
	var latencySum float64
	var latencyCount int64
	for _, req := range m.requests {
		if req.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRequests++
		switch req.Status {
		case models.RequestStatusCompleted:
			stats.Completed++
		case models.RequestStatusFailed:
			stats.Failed++
		case models.RequestStatusCanceled:
			stats.Canceled++
		}
		if req.LatencyMs != nil {
			latencySum += float64(*req.LatencyMs)
			latencyCount++
		}
	}
	for _, execs := range m.executions {
		for _, e := range execs {
			if e.CreatedAt.Before(since) {
				continue
			}
			stats.TotalExecutions++
			stats.TotalTokens += e.Usage.TotalTokens()
		}
	}
	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		stats.AvgLatencyMs = &avg
	}
	return stats, nil
}

// QueryChannelStats implements Recorder.
func (m *MemoryRecorder) QueryChannelStats(_ context.Context, since time.Time) ([]ChannelStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byChannel := make(map[int64]*ChannelStats)
	latencySums := make(map[int64]float64)
	latencyCounts := make(map[int64]int64)
	for _, execs := range m.executions {
		for _, e := range execs {
			if e.CreatedAt.Before(since) {
				continue
			}
			cs, ok := byChannel[e.ChannelID]
			if !ok {
				cs = &ChannelStats{ChannelID: e.ChannelID}
				byChannel[e.ChannelID] = cs
			}
			cs.Executions++
			cs.Tokens += e.Usage.TotalTokens()
			switch e.Status {
			case models.ExecutionStatusCompleted:
				cs.Completed++
			case models.ExecutionStatusFailed:
				cs.Failed++
			}
			if e.LatencyMs != nil {
				latencySums[e.ChannelID] += float64(*e.LatencyMs)
				latencyCounts[e.ChannelID]++
			}
		}
	}

	out := make([]ChannelStats, 0, len(byChannel))
	for id, cs := range byChannel {
		if n := latencyCounts[id]; n > 0 {
			avg := latencySums[id] / float64(n)
			cs.AvgLatencyMs = &avg
		}
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// Cleanup implements Recorder.
func (m *MemoryRecorder) Cleanup(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, req := range m.requests {
		if req.CreatedAt.Before(before) {
			delete(m.requests, id)
			removed += int64(len(m.executions[id]))
			delete(m.executions, id)
			removed++
		}
	}
	return removed, nil
}

// Start implements Recorder; the memory recorder has no workers.
func (m *MemoryRecorder) Start() error { return nil }

// Stop implements Recorder.
func (m *MemoryRecorder) Stop() error { return nil }
