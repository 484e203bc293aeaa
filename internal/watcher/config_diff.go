package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/json"
)

// buildConfigChangeDetails computes a redacted, human-readable list of
// config changes. Secrets (API keys) are never printed.
func buildConfigChangeDetails(oldCfg, newCfg *config.Config) []string {
	changes := make([]string, 0, 8)
	if oldCfg == nil || newCfg == nil {
		return changes
	}

	if oldCfg.Port != newCfg.Port {
		changes = append(changes, fmt.Sprintf("port: %d -> %d", oldCfg.Port, newCfg.Port))
	}
	if oldCfg.Debug != newCfg.Debug {
		changes = append(changes, fmt.Sprintf("debug: %t -> %t", oldCfg.Debug, newCfg.Debug))
	}
	if oldCfg.LoggingToFile != newCfg.LoggingToFile {
		changes = append(changes, fmt.Sprintf("logging-to-file: %t -> %t", oldCfg.LoggingToFile, newCfg.LoggingToFile))
	}
	if oldCfg.AuditDSN != newCfg.AuditDSN {
		changes = append(changes, "audit-dsn: updated (redacted)")
	}
	if oldCfg.RetentionDays != newCfg.RetentionDays {
		changes = append(changes, fmt.Sprintf("retention-days: %d -> %d", oldCfg.RetentionDays, newCfg.RetentionDays))
	}

	oldRetry, newRetry := oldCfg.Retry, newCfg.Retry
	if oldRetry.Enabled != newRetry.Enabled {
		changes = append(changes, fmt.Sprintf("retry.enabled: %t -> %t", oldRetry.Enabled, newRetry.Enabled))
	}
	if oldRetry.MaxChannelRetries != newRetry.MaxChannelRetries {
		changes = append(changes, fmt.Sprintf("retry.max-channel-retries: %d -> %d", oldRetry.MaxChannelRetries, newRetry.MaxChannelRetries))
	}
	if oldRetry.MaxSingleChannelRetries != newRetry.MaxSingleChannelRetries {
		changes = append(changes, fmt.Sprintf("retry.max-single-channel-retries: %d -> %d", oldRetry.MaxSingleChannelRetries, newRetry.MaxSingleChannelRetries))
	}
	if oldRetry.RetryDelayMs != newRetry.RetryDelayMs {
		changes = append(changes, fmt.Sprintf("retry.retry-delay-ms: %d -> %d", oldRetry.RetryDelayMs, newRetry.RetryDelayMs))
	}
	if oldRetry.Strategy != newRetry.Strategy {
		changes = append(changes, fmt.Sprintf("retry.load-balancer-strategy: %s -> %s", oldRetry.Strategy, newRetry.Strategy))
	}

	oldSum := summarizeChannels(oldCfg.Channels)
	newSum := summarizeChannels(newCfg.Channels)
	if oldSum.hash != newSum.hash {
		changes = append(changes, fmt.Sprintf("channels: updated (%d -> %d entries)", oldSum.count, newSum.count))
	}

	return changes
}

type channelsSummary struct {
	hash  string
	count int
}

// summarizeChannels hashes the non-secret channel fields so a diff can
// report "changed" without printing keys.
func summarizeChannels(seeds []config.ChannelSeed) channelsSummary {
	if len(seeds) == 0 {
		return channelsSummary{}
	}
	entries := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		models := append([]string(nil), seed.Models...)
		sort.Strings(models)
		entries = append(entries, fmt.Sprintf("%d|%s|%s|%d|%s|%s",
			seed.ID, strings.TrimSpace(seed.Name), strings.TrimSpace(seed.URL),
			seed.Weight, seed.Status, strings.Join(models, ",")))
	}
	sort.Strings(entries)
	data, err := json.Marshal(entries)
	if err != nil {
		return channelsSummary{count: len(entries)}
	}
	sum := sha256.Sum256(data)
	return channelsSummary{hash: hex.EncodeToString(sum[:]), count: len(entries)}
}
