package sseutil

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriterLazyHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	if w.Started() {
		t.Fatal("writer must not start before the first frame")
	}
	w.Chunk([]byte(`{"delta":"hi"}`))
	if !w.Started() {
		t.Fatal("writer should be started after a frame")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: %q", got)
	}
	if !rec.Flushed {
		t.Fatal("frames must be flushed")
	}

	w.Done()
	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"delta\":\"hi\"}\n\n") {
		t.Fatalf("frame missing: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("missing done marker: %q", body)
	}
}

func TestSanitizeUndefinedValues(t *testing.T) {
	in := []byte(`{"model":"m","temperature":"[undefined]","messages":[{"role":"user","content":"hi"},"[undefined]"]}`)
	out := SanitizeUndefinedValues(in)
	if strings.Contains(string(out), "[undefined]") {
		t.Fatalf("placeholders not removed: %s", out)
	}
	if !strings.Contains(string(out), `"model":"m"`) {
		t.Fatalf("real values lost: %s", out)
	}
}

func TestSanitizePassthrough(t *testing.T) {
	in := []byte(`{"model":"m"}`)
	if out := SanitizeUndefinedValues(in); string(out) != string(in) {
		t.Fatalf("clean payload must pass through untouched, got %s", out)
	}
	if out := SanitizeUndefinedValues([]byte(`not json [undefined]`)); string(out) != `not json [undefined]` {
		t.Fatalf("non-JSON payload must pass through, got %s", out)
	}
}
