package record

import (
	"context"
	"testing"
	"time"

	"github.com/relaymux/relaymux/internal/models"
)

func seedRequest(t *testing.T, m *MemoryRecorder, status models.RequestStatus, createdAt time.Time) *models.Request {
	t.Helper()
	req := models.NewRequest(models.SourceTest, "m", false)
	req.CreatedAt = createdAt
	req.UpdatedAt = createdAt
	if err := m.StartRequest(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if status.IsTerminal() {
		req.Status = status
		lat := int64(100)
		req.LatencyMs = &lat
		if err := m.FinishRequest(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	return req
}

func TestMemoryRequestLifecycle(t *testing.T) {
	m := NewMemoryRecorder()
	req := seedRequest(t, m, models.RequestStatusCompleted, time.Now())

	got, err := m.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RequestStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	if _, err := m.GetRequest(context.Background(), "missing"); err == nil {
		t.Fatal("unknown id must error")
	}
}

func TestMemoryListRequestsPagination(t *testing.T) {
	m := NewMemoryRecorder()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		seedRequest(t, m, models.RequestStatusCompleted, base.Add(time.Duration(i)*time.Minute))
	}

	page, total, err := m.ListRequests(context.Background(), Page{Offset: 0, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("expected total 5, page 2; got total %d, page %d", total, len(page))
	}
	if page[0].CreatedAt.Before(page[1].CreatedAt) {
		t.Fatal("requests must be newest first")
	}

	tail, _, err := m.ListRequests(context.Background(), Page{Offset: 4, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 {
		t.Fatalf("expected 1 trailing request, got %d", len(tail))
	}

	empty, _, err := m.ListRequests(context.Background(), Page{Offset: 50, Limit: 10})
	if err != nil || len(empty) != 0 {
		t.Fatalf("out-of-range offset should return empty page, got %d (%v)", len(empty), err)
	}
}

func TestMemoryExecutionsAndChannelStats(t *testing.T) {
	m := NewMemoryRecorder()
	req := seedRequest(t, m, models.RequestStatusCompleted, time.Now())

	for i, status := range []models.ExecutionStatus{models.ExecutionStatusFailed, models.ExecutionStatusCompleted} {
		exec := models.NewExecution(req.ID, int64(i+1), "m")
		exec.Status = status
		exec.Usage = &models.Usage{PromptTokens: 5, CompletionTokens: 5}
		lat := int64(200)
		exec.LatencyMs = &lat
		if err := m.RecordExecution(context.Background(), exec); err != nil {
			t.Fatal(err)
		}
	}

	execs, err := m.ListExecutions(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}

	stats, err := m.QueryChannelStats(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected stats for 2 channels, got %d", len(stats))
	}
	for _, cs := range stats {
		if cs.Executions != 1 || cs.Tokens != 10 {
			t.Fatalf("unexpected channel stats: %+v", cs)
		}
	}
}

func TestMemoryQueryStats(t *testing.T) {
	m := NewMemoryRecorder()
	now := time.Now()
	seedRequest(t, m, models.RequestStatusCompleted, now)
	seedRequest(t, m, models.RequestStatusFailed, now)
	seedRequest(t, m, models.RequestStatusCompleted, now.Add(-48*time.Hour))

	stats, err := m.QueryStats(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 2 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("since filter wrong: %+v", stats)
	}
	if stats.AvgLatencyMs == nil {
		t.Fatal("latency average missing")
	}
}

func TestMemoryCleanup(t *testing.T) {
	m := NewMemoryRecorder()
	now := time.Now()
	old := seedRequest(t, m, models.RequestStatusCompleted, now.Add(-72*time.Hour))
	fresh := seedRequest(t, m, models.RequestStatusCompleted, now)

	removed, err := m.Cleanup(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed == 0 {
		t.Fatal("expected old request removed")
	}
	if _, err := m.GetRequest(context.Background(), old.ID); err == nil {
		t.Fatal("old request should be gone")
	}
	if _, err := m.GetRequest(context.Background(), fresh.ID); err != nil {
		t.Fatal("fresh request should remain")
	}
}

func TestPageNormalize(t *testing.T) {
	p := Page{Offset: -5, Limit: 0}.Normalize()
	if p.Offset != 0 || p.Limit != 50 {
		t.Fatalf("defaults wrong: %+v", p)
	}
	p = Page{Limit: 10000}.Normalize()
	if p.Limit != 200 {
		t.Fatalf("limit cap wrong: %+v", p)
	}
}

func TestNewRecorderFactory(t *testing.T) {
	r, err := NewRecorder(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*MemoryRecorder); !ok {
		t.Fatalf("empty DSN should select the in-memory recorder, got %T", r)
	}

	dir := t.TempDir()
	r, err = NewRecorder(Config{DSN: "sqlite://" + dir + "/audit.db"})
	if err != nil {
		t.Fatal(err)
	}
	sq, ok := r.(*SQLiteRecorder)
	if !ok {
		t.Fatalf("sqlite DSN should select the sqlite recorder, got %T", r)
	}
	sq.Stop()

	if _, err := NewRecorder(Config{DSN: "mysql://nope"}); err == nil {
		t.Fatal("unknown scheme must be rejected")
	}
}
