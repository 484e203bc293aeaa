package watcher

import (
	"strings"
	"testing"

	"github.com/relaymux/relaymux/internal/config"
)

func TestBuildConfigChangeDetails(t *testing.T) {
	oldCfg := config.NewDefaultConfig()
	newCfg := config.NewDefaultConfig()

	if got := buildConfigChangeDetails(oldCfg, newCfg); len(got) != 0 {
		t.Fatalf("identical configs must diff empty, got %v", got)
	}

	newCfg.Port = 9000
	newCfg.Retry.Strategy = config.StrategyWeighted
	newCfg.AuditDSN = "postgres://secret@db/audit"

	changes := buildConfigChangeDetails(oldCfg, newCfg)
	joined := strings.Join(changes, "\n")
	if !strings.Contains(joined, "port: 8317 -> 9000") {
		t.Fatalf("port change missing: %v", changes)
	}
	if !strings.Contains(joined, "load-balancer-strategy: adaptive -> weighted") {
		t.Fatalf("strategy change missing: %v", changes)
	}
	if strings.Contains(joined, "secret") {
		t.Fatalf("DSN must be redacted: %v", changes)
	}
}

func TestChannelDiffRedactsKeys(t *testing.T) {
	oldCfg := config.NewDefaultConfig()
	newCfg := config.NewDefaultConfig()
	oldCfg.Channels = []config.ChannelSeed{{ID: 1, Name: "a", URL: "http://a", APIKey: "sk-old"}}
	newCfg.Channels = []config.ChannelSeed{{ID: 1, Name: "a", URL: "http://a", APIKey: "sk-new"}}

	// Key-only changes are invisible to the redacted diff.
	if got := buildConfigChangeDetails(oldCfg, newCfg); len(got) != 0 {
		t.Fatalf("api-key-only change should not be reported: %v", got)
	}

	newCfg.Channels = append(newCfg.Channels, config.ChannelSeed{ID: 2, Name: "b", URL: "http://b"})
	changes := buildConfigChangeDetails(oldCfg, newCfg)
	if len(changes) != 1 || !strings.Contains(changes[0], "channels: updated (1 -> 2 entries)") {
		t.Fatalf("channel count change missing: %v", changes)
	}
	if strings.Contains(strings.Join(changes, ""), "sk-") {
		t.Fatalf("keys leaked into diff: %v", changes)
	}
}
