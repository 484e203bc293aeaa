package management

import (
	"github.com/gin-gonic/gin"

	"github.com/relaymux/relaymux/internal/config"
)

// GetRetryPolicy returns the currently active retry policy.
func (h *Handler) GetRetryPolicy(c *gin.Context) {
	respondOK(c, h.coordinator.Policy())
}

// UpdateRetryPolicy atomically replaces the retry policy. Requests
// already in flight keep the policy they started with.
func (h *Handler) UpdateRetryPolicy(c *gin.Context) {
	var policy config.RetryPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		respondBadRequest(c, "invalid retry policy payload: "+err.Error())
		return
	}
	if err := h.coordinator.SetPolicy(policy); err != nil {
		respondError(c, 400, ErrCodeValidation, err.Error())
		return
	}
	respondOK(c, h.coordinator.Policy())
}
