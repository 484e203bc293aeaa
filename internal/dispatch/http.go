package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaymux/relaymux/internal/channel"
	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/models"
	"github.com/relaymux/relaymux/internal/resilience"
)

const (
	// maxResponseBytes bounds how much of an upstream response is read
	// into memory.
	maxResponseBytes = 100 * 1024 * 1024

	// maxErrorBodyBytes bounds how much of an error body is kept for the
	// execution record.
	maxErrorBodyBytes = 64 * 1024

	defaultRequestTimeout = 10 * time.Minute

	// maxSSELineBytes bounds a single SSE line. Provider chunks can carry
	// large base64 blobs.
	maxSSELineBytes = 10 * 1024 * 1024
)

// HTTPDispatcher sends attempts to channel endpoints over HTTP. Each
// channel gets its own circuit breaker; an open breaker short-circuits
// the attempt as a transient failure without issuing the call, so the
// coordinator moves on quickly while the channel recovers.
type HTTPDispatcher struct {
	client *http.Client

	breakerMu sync.Mutex
	breakers  map[int64]*resilience.CircuitBreaker
}

// NewHTTPDispatcher creates a dispatcher with a shared HTTP client.
// Transport-level compression is disabled; decoding is handled here so
// the recorded body is the decoded payload.
func NewHTTPDispatcher() *HTTPDispatcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	return &HTTPDispatcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   defaultRequestTimeout,
		},
		breakers: make(map[int64]*resilience.CircuitBreaker),
	}
}

func (d *HTTPDispatcher) breaker(ch *channel.Channel) *resilience.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	if cb, ok := d.breakers[ch.ID]; ok {
		return cb
	}
	cfg := resilience.DefaultBreakerConfig(ch.Name, func(err error) bool {
		// Caller errors must not trip the breaker; only channel
		// failures count.
		return ClassifyError(err) != ClassTransient
	})
	cfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warnf("channel %q breaker %s -> %s", name, from, to)
	}
	cb := resilience.NewCircuitBreaker(cfg)
	d.breakers[ch.ID] = cb
	return cb
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, attempt *Attempt) *Result {
	result := &Result{StartedAt: time.Now()}
	defer func() {
		result.FinishedAt = time.Now()
		result.Class = ClassifyError(result.Err)
	}()

	_, err := d.breaker(attempt.Channel).Execute(func() (any, error) {
		return nil, d.send(ctx, attempt, result)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = NewStatusError(http.StatusServiceUnavailable,
				fmt.Sprintf("channel %q circuit open", attempt.Channel.Name))
		}
		result.Err = err
	}
	return result
}

func (d *HTTPDispatcher) send(ctx context.Context, attempt *Attempt, result *Result) error {
	payload := attempt.Payload
	if attempt.Stream {
		// Force the stream flag so the upstream answers with SSE.
		if updated, err := sjson.SetBytes(payload, "stream", true); err == nil {
			payload = updated
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, attempt.Channel.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if attempt.Channel.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+attempt.Channel.APIKey)
	}
	for k, v := range attempt.Channel.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("dispatch: %s: %w", attempt.Channel.Name, err)
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return fmt.Errorf("dispatch: decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
		result.Body = msg
		return NewStatusError(resp.StatusCode,
			fmt.Sprintf("channel %q returned %d: %s", attempt.Channel.Name, resp.StatusCode, truncate(msg, 512)))
	}

	if attempt.Stream && isEventStream(resp) {
		return d.consumeStream(ctx, attempt, result, body)
	}

	data, err := io.ReadAll(io.LimitReader(body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("dispatch: read response: %w", err)
	}
	result.Body = data
	result.Usage = extractUsage(data)
	return nil
}

// consumeStream scans the SSE body, teeing every chunk to the caller's
// sink and into the audit chunk list. The first chunk's timestamp feeds
// the TTFT metric.
func (d *HTTPDispatcher) consumeStream(ctx context.Context, attempt *Attempt, result *Result, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		line := scanner.Bytes()
		data, ok := ssePayload(line)
		if !ok {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}
		chunk := append([]byte(nil), data...)
		if result.FirstChunkAt == nil {
			now := time.Now()
			result.FirstChunkAt = &now
		}
		result.Chunks = append(result.Chunks, chunk)
		if u := extractUsage(chunk); u != nil {
			result.Usage = u
		}
		if attempt.Sink != nil {
			attempt.Sink(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("dispatch: stream from %s interrupted: %w", attempt.Channel.Name, err)
	}
	return nil
}

// ssePayload extracts the data payload from one SSE line.
func ssePayload(line []byte) ([]byte, bool) {
	const prefix = "data:"
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(prefix):]), true
}

// isEventStream reports whether the upstream actually answered with SSE.
// Some providers ignore the stream flag and send a buffered JSON body.
func isEventStream(resp *http.Response) bool {
	return bytes.Contains([]byte(resp.Header.Get("Content-Type")), []byte("text/event-stream"))
}

// decodeBody unwraps the response body according to Content-Encoding.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// extractUsage lifts token counters out of an opaque provider payload.
// The body is never fully parsed; gjson picks just the usage block.
func extractUsage(payload []byte) *models.Usage {
	usage := gjson.GetBytes(payload, "usage")
	if !usage.Exists() {
		return nil
	}
	return &models.Usage{
		PromptTokens:              usage.Get("prompt_tokens").Int(),
		CompletionTokens:          usage.Get("completion_tokens").Int(),
		CompletionReasoningTokens: usage.Get("completion_tokens_details.reasoning_tokens").Int(),
		CompletionAudioTokens:     usage.Get("completion_tokens_details.audio_tokens").Int(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
