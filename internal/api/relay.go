package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/relaymux/relaymux/internal/dispatch"
	"github.com/relaymux/relaymux/internal/json"
	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/models"
	"github.com/relaymux/relaymux/internal/orchestrator"
	"github.com/relaymux/relaymux/internal/sseutil"
)

// clientClosedRequest is nginx's non-standard status for a client that
// went away mid-request.
const clientClosedRequest = 499

type relayError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func newRelayError(message, typ string) relayError {
	var e relayError
	e.Error.Message = message
	e.Error.Type = typ
	return e
}

// handleChatCompletions relays an opaque chat completion payload
// through the retry coordinator. The payload is never interpreted
// beyond the model and stream fields.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, newRelayError("request body too large", "invalid_request_error"))
			return
		}
		c.JSON(http.StatusBadRequest, newRelayError("failed to read request body", "invalid_request_error"))
		return
	}
	if !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, newRelayError("request body is not valid JSON", "invalid_request_error"))
		return
	}
	body = sseutil.SanitizeUndefinedValues(body)

	modelID := gjson.GetBytes(body, "model").String()
	if modelID == "" {
		c.JSON(http.StatusBadRequest, newRelayError("model is required", "invalid_request_error"))
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	req := models.NewRequest(models.SourceAPI, modelID, stream)

	if stream {
		s.relayStream(c, req, body)
		return
	}

	outcome, err := s.coordinator.Execute(c.Request.Context(), req, body, nil)
	if err != nil {
		status, message := errorStatus(err)
		c.JSON(status, newRelayError(message, "upstream_error"))
		return
	}
	c.Data(http.StatusOK, "application/json", outcome.Result.Body)
}

func (s *Server) relayStream(c *gin.Context, req *models.Request, body []byte) {
	writer := sseutil.NewWriter(c.Writer)

	outcome, err := s.coordinator.Execute(c.Request.Context(), req, body, writer.Chunk)
	if err != nil {
		if writer.Started() {
			// The stream is already committed; surface the failure as a
			// terminal SSE frame.
			if frame, errEnc := json.Marshal(newRelayError(err.Error(), "upstream_error")); errEnc == nil {
				writer.Chunk(frame)
			}
			writer.Done()
			return
		}
		status, message := errorStatus(err)
		c.JSON(status, newRelayError(message, "upstream_error"))
		return
	}

	// An upstream may answer a stream request with a buffered body.
	if !writer.Started() && len(outcome.Result.Body) > 0 {
		c.Data(http.StatusOK, "application/json", outcome.Result.Body)
		return
	}
	writer.Done()
}

// errorStatus maps an orchestration failure to a client-facing status.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrNoAvailableChannel):
		return http.StatusServiceUnavailable, "no available channel for the requested model"
	case errors.Is(err, context.Canceled):
		return clientClosedRequest, "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	}
	var se dispatch.StatusError
	if errors.As(err, &se) {
		return se.StatusCode(), err.Error()
	}
	if errors.Is(err, orchestrator.ErrChannelsExhausted) {
		return http.StatusBadGateway, err.Error()
	}
	log.Debugf("relay: unclassified error: %v", err)
	return http.StatusBadGateway, err.Error()
}
