// Package channel maintains the registry of upstream channels and their
// rolling health state.
package channel

import (
	"strings"
	"time"

	"github.com/relaymux/relaymux/internal/config"
)

// Status is the administrative state of a channel.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusArchived Status = "archived"
)

// ParseStatus normalizes a status string, defaulting to enabled.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusDisabled:
		return StatusDisabled
	case StatusArchived:
		return StatusArchived
	default:
		return StatusEnabled
	}
}

// Channel is one upstream model-serving backend the gateway can route to.
// Instances handed out by the registry are snapshots; mutate only through
// registry methods.
type Channel struct {
	ID      int64             `json:"id"`
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	APIKey  string            `json:"-"`
	Headers map[string]string `json:"-"`
	Weight  int               `json:"weight"`
	Status  Status            `json:"status"`
	Models  []string          `json:"models,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible reports whether the channel can receive traffic.
func (c *Channel) Eligible() bool {
	return c != nil && c.Status == StatusEnabled
}

// SupportsModel reports whether the channel serves the given model.
// An empty model list means the channel accepts any model.
func (c *Channel) SupportsModel(modelID string) bool {
	if c == nil {
		return false
	}
	if len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if strings.EqualFold(strings.TrimSpace(m), modelID) {
			return true
		}
	}
	return false
}

func (c *Channel) clone() *Channel {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Headers != nil {
		dup.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			dup.Headers[k] = v
		}
	}
	dup.Models = append([]string(nil), c.Models...)
	return &dup
}

func channelFromSeed(seed config.ChannelSeed) *Channel {
	return &Channel{
		ID:        seed.ID,
		Name:      seed.Name,
		URL:       seed.URL,
		APIKey:    seed.APIKey,
		Headers:   seed.Headers,
		Weight:    seed.Weight,
		Status:    ParseStatus(seed.Status),
		Models:    seed.Models,
		UpdatedAt: time.Now(),
	}
}
