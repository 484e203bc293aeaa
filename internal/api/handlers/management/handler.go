package management

import (
	"github.com/gin-gonic/gin"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/orchestrator"
	"github.com/relaymux/relaymux/internal/record"
)

// Handler serves the management API.
type Handler struct {
	coordinator *orchestrator.Coordinator
	registry    *channel.Registry
	recorder    record.Recorder
}

// NewHandler creates a management handler.
func NewHandler(coordinator *orchestrator.Coordinator, registry *channel.Registry, recorder record.Recorder) *Handler {
	return &Handler{
		coordinator: coordinator,
		registry:    registry,
		recorder:    recorder,
	}
}

// RegisterRoutes mounts all management endpoints on the given group.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/retry-policy", h.GetRetryPolicy)
	g.PUT("/retry-policy", h.UpdateRetryPolicy)

	g.GET("/channels", h.ListChannels)
	g.POST("/channels", h.CreateChannel)
	g.PUT("/channels/:id/status", h.UpdateChannelStatus)
	g.PUT("/channels/:id/weight", h.UpdateChannelWeight)
	g.GET("/channels/health", h.GetChannelHealth)

	g.GET("/requests", h.ListRequests)
	g.GET("/requests/:id", h.GetRequest)

	g.GET("/stats", h.GetStats)
	g.GET("/stats/channels", h.GetChannelStats)
}
