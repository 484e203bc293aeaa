// Package sseutil provides server-sent-events plumbing for the relay
// endpoint.
package sseutil

import (
	"net/http"
)

// Writer streams SSE frames to the client. Headers are written lazily
// on the first frame, so a request that fails before any chunk arrives
// can still fall back to a plain JSON error response.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter wraps the response writer. The flusher may be nil when the
// underlying writer does not support flushing; frames are then sent on
// the server's own schedule.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Started reports whether any frame has been written yet.
func (s *Writer) Started() bool { return s.started }

func (s *Writer) writeHeaders() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Chunk writes one data frame and flushes it.
func (s *Writer) Chunk(data []byte) {
	s.writeHeaders()
	s.w.Write([]byte("data: "))
	s.w.Write(data)
	s.w.Write([]byte("\n\n"))
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Done terminates the stream with the conventional [DONE] marker.
func (s *Writer) Done() {
	s.Chunk([]byte("[DONE]"))
}
