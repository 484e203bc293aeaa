package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/dispatch"
	"github.com/relaymux/relaymux/internal/models"
	"github.com/relaymux/relaymux/internal/orchestrator"
	"github.com/relaymux/relaymux/internal/record"
)

// stubDispatcher answers every attempt the same way.
type stubDispatcher struct {
	respond func(attempt *dispatch.Attempt) *dispatch.Result
}

func (d *stubDispatcher) Dispatch(_ context.Context, attempt *dispatch.Attempt) *dispatch.Result {
	return d.respond(attempt)
}

func okStub() *stubDispatcher {
	return &stubDispatcher{respond: func(_ *dispatch.Attempt) *dispatch.Result {
		now := time.Now()
		return &dispatch.Result{
			StartedAt:  now,
			FinishedAt: now.Add(50 * time.Millisecond),
			Body:       []byte(`{"id":"resp","choices":[]}`),
			Usage:      &models.Usage{PromptTokens: 1, CompletionTokens: 2},
		}
	}}
}

func streamStub() *stubDispatcher {
	return &stubDispatcher{respond: func(attempt *dispatch.Attempt) *dispatch.Result {
		start := time.Now()
		chunks := [][]byte{[]byte(`{"delta":"a"}`), []byte(`{"delta":"b"}`)}
		first := start.Add(5 * time.Millisecond)
		for _, c := range chunks {
			if attempt.Sink != nil {
				attempt.Sink(c)
			}
		}
		return &dispatch.Result{
			StartedAt:    start,
			FinishedAt:   start.Add(50 * time.Millisecond),
			FirstChunkAt: &first,
			Chunks:       chunks,
			Usage:        &models.Usage{CompletionTokens: 2},
		}
	}}
}

func newTestServer(t *testing.T, dispatcher dispatch.Dispatcher, seeds ...config.ChannelSeed) (*Server, record.Recorder) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Retry.RetryDelayMs = 0

	registry := channel.NewRegistry()
	registry.Seed(seeds)
	recorder := record.NewMemoryRecorder()
	coordinator := orchestrator.NewCoordinator(registry, recorder, dispatcher, cfg.Retry)
	return NewServer(cfg, coordinator, registry, recorder), recorder
}

func defaultSeeds() []config.ChannelSeed {
	return []config.ChannelSeed{{ID: 1, Name: "primary", URL: "http://up.local", Weight: 1}}
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(rec, req)
	return rec
}

func TestRelayBuffered(t *testing.T) {
	s, recorder := newTestServer(t, okStub(), defaultSeeds()...)

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"resp"`) {
		t.Fatalf("upstream body not passed through: %s", rec.Body.String())
	}

	requests, total, err := recorder.ListRequests(context.Background(), record.Page{})
	if err != nil || total != 1 {
		t.Fatalf("expected 1 audited request, got %d (%v)", total, err)
	}
	if requests[0].Status != models.RequestStatusCompleted {
		t.Fatalf("audited request status %s", requests[0].Status)
	}
}

func TestRelayValidation(t *testing.T) {
	s, _ := newTestServer(t, okStub(), defaultSeeds()...)

	if rec := doJSON(s, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing model should 400, got %d", rec.Code)
	}
	if rec := doJSON(s, http.MethodPost, "/v1/chat/completions", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid JSON should 400, got %d", rec.Code)
	}
}

func TestRelayNoChannel(t *testing.T) {
	s, _ := newTestServer(t, okStub())

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no channel should 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRelayStream(t *testing.T) {
	s, _ := newTestServer(t, streamStub(), defaultSeeds()...)

	rec := doJSON(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data: {"delta":"a"}`) || !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("stream frames missing: %q", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, okStub(), defaultSeeds()...)
	rec := doJSON(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
}

func TestManagementRetryPolicy(t *testing.T) {
	s, _ := newTestServer(t, okStub(), defaultSeeds()...)

	rec := doJSON(s, http.MethodGet, "/v0/management/retry-policy", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "data.load_balancer_strategy").String(); got != "adaptive" {
		t.Fatalf("default strategy: %q", got)
	}

	rec = doJSON(s, http.MethodPut, "/v0/management/retry-policy",
		`{"enabled":true,"max_channel_retries":5,"max_single_channel_retries":0,"retry_delay_ms":100,"load_balancer_strategy":"weighted"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "data.max_channel_retries").Int(); got != 5 {
		t.Fatalf("updated policy not returned: %s", rec.Body.String())
	}

	rec = doJSON(s, http.MethodPut, "/v0/management/retry-policy", `{"load_balancer_strategy":"sticky"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid strategy should 400, got %d", rec.Code)
	}
}

func TestManagementChannels(t *testing.T) {
	s, _ := newTestServer(t, okStub(), defaultSeeds()...)

	rec := doJSON(s, http.MethodGet, "/v0/management/channels", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	if n := gjson.Get(rec.Body.String(), "data.#").Int(); n != 1 {
		t.Fatalf("expected 1 channel, got %d", n)
	}

	rec = doJSON(s, http.MethodPost, "/v0/management/channels",
		`{"name":"secondary","url":"http://two.local","api_key":"sk-2","weight":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-2") {
		t.Fatalf("api key leaked in response: %s", rec.Body.String())
	}

	rec = doJSON(s, http.MethodPut, "/v0/management/channels/1/status", `{"status":"disabled"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status update %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "data.status").String(); got != "disabled" {
		t.Fatalf("status not applied: %s", rec.Body.String())
	}

	rec = doJSON(s, http.MethodPut, "/v0/management/channels/1/status", `{"status":"paused"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status should 400, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodPut, "/v0/management/channels/2/weight", `{"weight":9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("weight update %d: %s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "data.weight").Int(); got != 9 {
		t.Fatalf("weight not applied: %s", rec.Body.String())
	}

	rec = doJSON(s, http.MethodPut, "/v0/management/channels/99/weight", `{"weight":1}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown channel should 404, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/v0/management/channels/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health view status %d", rec.Code)
	}
}

func TestManagementRequestViews(t *testing.T) {
	s, _ := newTestServer(t, okStub(), defaultSeeds()...)

	if rec := doJSON(s, http.MethodPost, "/v1/chat/completions", `{"model":"m"}`); rec.Code != http.StatusOK {
		t.Fatalf("relay failed: %d", rec.Code)
	}

	rec := doJSON(s, http.MethodGet, "/v0/management/requests?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	body := rec.Body.String()
	if gjson.Get(body, "data.total").Int() != 1 {
		t.Fatalf("expected total 1: %s", body)
	}
	id := gjson.Get(body, "data.requests.0.id").String()
	if id == "" {
		t.Fatalf("request id missing: %s", body)
	}

	rec = doJSON(s, http.MethodGet, "/v0/management/requests/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status %d: %s", rec.Code, rec.Body.String())
	}
	detail := rec.Body.String()
	if gjson.Get(detail, "data.executions.#").Int() != 1 {
		t.Fatalf("expected 1 execution in detail: %s", detail)
	}

	rec = doJSON(s, http.MethodGet, "/v0/management/requests/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id should 400, got %d", rec.Code)
	}

	rec = doJSON(s, http.MethodGet, "/v0/management/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "data.total_requests").Int() != 1 {
		t.Fatalf("stats wrong: %s", rec.Body.String())
	}

	rec = doJSON(s, http.MethodGet, "/v0/management/stats/channels", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("channel stats status %d", rec.Code)
	}
}
