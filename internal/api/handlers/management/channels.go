package management

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/config"
)

// ListChannels returns all channels, archived ones included. Secrets
// are never serialized.
func (h *Handler) ListChannels(c *gin.Context) {
	respondOK(c, h.registry.List())
}

// CreateChannel registers a new upstream channel.
func (h *Handler) CreateChannel(c *gin.Context) {
	var seed config.ChannelSeed
	if err := c.ShouldBindJSON(&seed); err != nil {
		respondBadRequest(c, "invalid channel payload: "+err.Error())
		return
	}
	if seed.Name == "" || seed.URL == "" {
		respondError(c, 400, ErrCodeValidation, "channel name and url are required")
		return
	}
	if seed.Weight < 0 {
		respondError(c, 400, ErrCodeValidation, "channel weight must be >= 0")
		return
	}
	respondOK(c, h.registry.Create(seed))
}

func channelID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondBadRequest(c, "invalid channel id")
		return 0, false
	}
	return id, true
}

// UpdateChannelStatus enables, disables or archives a channel. Takes
// effect on the next channel selection; in-flight attempts finish.
func (h *Handler) UpdateChannelStatus(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, "invalid status payload: "+err.Error())
		return
	}
	switch strings.ToLower(strings.TrimSpace(body.Status)) {
	case "enabled", "disabled", "archived":
	default:
		respondError(c, 400, ErrCodeValidation, "status must be enabled, disabled or archived")
		return
	}
	status := channel.ParseStatus(body.Status)
	if err := h.registry.SetStatus(id, status); err != nil {
		respondNotFound(c, err.Error())
		return
	}
	ch, _ := h.registry.Get(id)
	respondOK(c, ch)
}

// UpdateChannelWeight changes a channel's static weight.
func (h *Handler) UpdateChannelWeight(c *gin.Context) {
	id, ok := channelID(c)
	if !ok {
		return
	}
	var body struct {
		Weight int `json:"weight"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, "invalid weight payload: "+err.Error())
		return
	}
	if body.Weight < 0 {
		respondError(c, 400, ErrCodeValidation, "weight must be >= 0")
		return
	}
	if err := h.registry.SetWeight(id, body.Weight); err != nil {
		respondNotFound(c, err.Error())
		return
	}
	ch, _ := h.registry.Get(id)
	respondOK(c, ch)
}

// ChannelHealth is the rolling health view exposed per channel.
type ChannelHealth struct {
	ChannelID     int64      `json:"channel_id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	SuccessRate   float64    `json:"success_rate"`
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
	Samples       int        `json:"samples"`
	Score         float64    `json:"score"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// GetChannelHealth returns the live health view the adaptive balancer
// selects on.
func (h *Handler) GetChannelHealth(c *gin.Context) {
	now := time.Now()
	health := h.registry.Health()
	channels := h.registry.List()
	out := make([]ChannelHealth, 0, len(channels))
	for _, ch := range channels {
		rate, latency, samples := health.Stats(ch.ID)
		entry := ChannelHealth{
			ChannelID:    ch.ID,
			Name:         ch.Name,
			Status:       string(ch.Status),
			SuccessRate:  rate,
			AvgLatencyMs: latency,
			Samples:      samples,
			Score:        health.Score(ch.ID, now),
		}
		if until := health.CooldownUntil(ch.ID); until.After(now) {
			entry.CooldownUntil = &until
		}
		out = append(out, entry)
	}
	respondOK(c, out)
}
