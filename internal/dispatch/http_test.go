package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/models"
)

func testChannel(url string) *channel.Channel {
	return &channel.Channel{
		ID:     1,
		Name:   "test",
		URL:    url,
		APIKey: "sk-test",
		Status: channel.StatusEnabled,
	}
}

func TestDispatchBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","usage":{"prompt_tokens":3,"completion_tokens":7}}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher()
	res := d.Dispatch(context.Background(), &Attempt{
		Request: models.NewRequest(models.SourceTest, "m", false),
		Channel: testChannel(srv.URL),
		Payload: []byte(`{"model":"m"}`),
	})

	if !res.Succeeded() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Class != ClassNone {
		t.Fatalf("expected ClassNone, got %q", res.Class)
	}
	if !strings.Contains(string(res.Body), "resp-1") {
		t.Fatalf("body not captured: %s", res.Body)
	}
	if res.Usage == nil || res.Usage.CompletionTokens != 7 {
		t.Fatalf("usage not extracted: %+v", res.Usage)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Fatal("finished before started")
	}
}

func TestDispatchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher()
	res := d.Dispatch(context.Background(), &Attempt{
		Request: models.NewRequest(models.SourceTest, "m", false),
		Channel: testChannel(srv.URL),
		Payload: []byte(`{}`),
	})

	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.Class != ClassTransient {
		t.Fatalf("429 should classify transient, got %q", res.Class)
	}
	var se StatusError
	if !errors.As(res.Err, &se) || se.StatusCode() != 429 {
		t.Fatalf("expected status error 429, got %v", res.Err)
	}
}

func TestDispatchNonRetryableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"malformed"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher()
	res := d.Dispatch(context.Background(), &Attempt{
		Request: models.NewRequest(models.SourceTest, "m", false),
		Channel: testChannel(srv.URL),
		Payload: []byte(`{}`),
	})

	if res.Class != ClassNonRetryable {
		t.Fatalf("400 should classify non-retryable, got %q", res.Class)
	}
	if !strings.Contains(string(res.Body), "malformed") {
		t.Fatalf("error body should be retained for the record: %s", res.Body)
	}
}

func TestDispatchStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The dispatcher must force the stream flag.
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		if !gjson.GetBytes(body, "stream").Bool() {
			t.Error("stream flag not forced on upstream payload")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"delta\":\"a\"}\n\n"))
		flusher.Flush()
		w.Write([]byte(": keepalive comment\n\n"))
		w.Write([]byte("data: {\"delta\":\"b\",\"usage\":{\"completion_tokens\":2}}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	var sunk []string
	d := NewHTTPDispatcher()
	res := d.Dispatch(context.Background(), &Attempt{
		Request: models.NewRequest(models.SourceTest, "m", true),
		Channel: testChannel(srv.URL),
		Payload: []byte(`{"model":"m"}`),
		Stream:  true,
		Sink:    func(chunk []byte) { sunk = append(sunk, string(chunk)) },
	})

	if !res.Succeeded() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if len(res.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.Chunks))
	}
	if len(sunk) != 2 || sunk[0] != `{"delta":"a"}` {
		t.Fatalf("sink did not observe chunks in order: %v", sunk)
	}
	if res.FirstChunkAt == nil {
		t.Fatal("first chunk timestamp missing")
	}
	if !res.Forwarded() {
		t.Fatal("streamed result should be forwarded")
	}
	if res.Usage == nil || res.Usage.CompletionTokens != 2 {
		t.Fatalf("usage from final chunk not captured: %+v", res.Usage)
	}
}

func TestDispatchStreamFallsBackToBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"buffered"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher()
	res := d.Dispatch(context.Background(), &Attempt{
		Request: models.NewRequest(models.SourceTest, "m", true),
		Channel: testChannel(srv.URL),
		Payload: []byte(`{"model":"m"}`),
		Stream:  true,
	})

	if !res.Succeeded() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Forwarded() || len(res.Chunks) != 0 {
		t.Fatal("JSON answer to a stream request must stay buffered")
	}
	if !strings.Contains(string(res.Body), "buffered") {
		t.Fatalf("body not captured: %s", res.Body)
	}
}

func TestDispatchCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewHTTPDispatcher()
	res := d.Dispatch(ctx, &Attempt{
		Request: models.NewRequest(models.SourceTest, "m", false),
		Channel: testChannel(srv.URL),
		Payload: []byte(`{}`),
	})

	if res.Class != ClassCanceled {
		t.Fatalf("expected ClassCanceled, got %q (%v)", res.Class, res.Err)
	}
}

func TestDispatchConnectionFailure(t *testing.T) {
	d := NewHTTPDispatcher()
	res := d.Dispatch(context.Background(), &Attempt{
		Request: models.NewRequest(models.SourceTest, "m", false),
		Channel: testChannel("http://127.0.0.1:1"),
		Payload: []byte(`{}`),
	})
	if res.Class != ClassTransient {
		t.Fatalf("connection failure should be transient, got %q (%v)", res.Class, res.Err)
	}
}
