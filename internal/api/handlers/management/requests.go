package management

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/models"
	"github.com/relaymux/relaymux/internal/record"
)

// RequestListResponse is the paginated request audit view.
type RequestListResponse struct {
	Requests []*models.Request `json:"requests"`
	Total    int64             `json:"total"`
	Offset   int               `json:"offset"`
	Limit    int               `json:"limit"`
}

// RequestDetailResponse joins a request with its execution trail.
type RequestDetailResponse struct {
	Request    *models.Request            `json:"request"`
	Executions []*models.RequestExecution `json:"executions"`
}

// ListRequests returns recent requests, newest first.
func (h *Handler) ListRequests(c *gin.Context) {
	page := record.Page{}
	if v := c.Query("offset"); v != "" {
		page.Offset, _ = strconv.Atoi(v)
	}
	if v := c.Query("limit"); v != "" {
		page.Limit, _ = strconv.Atoi(v)
	}
	page = page.Normalize()

	requests, total, err := h.recorder.ListRequests(c.Request.Context(), page)
	if err != nil {
		log.Warnf("management: list requests: %v", err)
		respondInternalError(c, "failed to list requests")
		return
	}
	respondOK(c, RequestListResponse{
		Requests: requests,
		Total:    total,
		Offset:   page.Offset,
		Limit:    page.Limit,
	})
}

// GetRequest returns one request and every execution it produced, in
// attempt order.
func (h *Handler) GetRequest(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		respondBadRequest(c, "invalid request id")
		return
	}

	req, err := h.recorder.GetRequest(c.Request.Context(), id)
	if err != nil {
		respondNotFound(c, "request not found")
		return
	}
	executions, err := h.recorder.ListExecutions(c.Request.Context(), id)
	if err != nil {
		log.Warnf("management: list executions for %s: %v", id, err)
		respondInternalError(c, "failed to load executions")
		return
	}
	respondOK(c, RequestDetailResponse{Request: req, Executions: executions})
}

// parseSince resolves the ?since= query parameter, defaulting to the
// last 24 hours.
func parseSince(c *gin.Context) time.Time {
	if v := c.Query("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Now().Add(-24 * time.Hour)
}

// GetStats returns aggregate request statistics.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.recorder.QueryStats(c.Request.Context(), parseSince(c))
	if err != nil {
		log.Warnf("management: query stats: %v", err)
		respondInternalError(c, "failed to query stats")
		return
	}
	respondOK(c, stats)
}

// GetChannelStats returns per-channel execution statistics.
func (h *Handler) GetChannelStats(c *gin.Context) {
	stats, err := h.recorder.QueryChannelStats(c.Request.Context(), parseSince(c))
	if err != nil {
		log.Warnf("management: query channel stats: %v", err)
		respondInternalError(c, "failed to query channel stats")
		return
	}
	respondOK(c, stats)
}
