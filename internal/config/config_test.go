package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
port: 9000
retry:
  enabled: true
  max-channel-retries: 2
  max-single-channel-retries: 1
  retry-delay-ms: 500
  load-balancer-strategy: weighted
channels:
  - name: primary
    url: https://api.primary.example/v1/chat/completions/
    api-key: sk-1
    weight: 5
  - name: fallback
    url: https://api.fallback.example/v1/chat/completions
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port: got %d", cfg.Port)
	}
	if cfg.Retry.Strategy != StrategyWeighted || cfg.Retry.RetryDelayMs != 500 {
		t.Fatalf("retry policy: %+v", cfg.Retry)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("channels: got %d", len(cfg.Channels))
	}
	if cfg.Channels[0].ID != 1 || cfg.Channels[1].ID != 2 {
		t.Fatalf("auto-assigned ids wrong: %d, %d", cfg.Channels[0].ID, cfg.Channels[1].ID)
	}
	if cfg.Channels[0].URL != "https://api.primary.example/v1/chat/completions" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.Channels[0].URL)
	}
}

func TestLoadConfigHuJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  // comments are allowed
  "port": 8200,
  "retry": {"enabled": true, "max-channel-retries": 1},
}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8200 || cfg.Retry.MaxChannelRetries != 1 {
		t.Fatalf("hujson config not applied: %+v", cfg)
	}
}

func TestLoadConfigOptionalMissing(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8317 {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
	if _, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Fatal("missing file without allowMissing must error")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"negative channel retries", func(c *Config) { c.Retry.MaxChannelRetries = -1 }},
		{"negative delay", func(c *Config) { c.Retry.RetryDelayMs = -1 }},
		{"unknown strategy", func(c *Config) { c.Retry.Strategy = "sticky" }},
		{"channel without name", func(c *Config) {
			c.Channels = []ChannelSeed{{URL: "http://x"}}
		}},
		{"channel without url", func(c *Config) {
			c.Channels = []ChannelSeed{{Name: "x"}}
		}},
		{"negative weight", func(c *Config) {
			c.Channels = []ChannelSeed{{Name: "x", URL: "http://x", Weight: -1}}
		}},
		{"duplicate ids", func(c *Config) {
			c.Channels = []ChannelSeed{
				{ID: 7, Name: "a", URL: "http://a"},
				{ID: 7, Name: "b", URL: "http://b"},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRetryPolicyDefaultsStrategy(t *testing.T) {
	p := RetryPolicy{}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	if p.Strategy != StrategyAdaptive {
		t.Fatalf("empty strategy should default to adaptive, got %q", p.Strategy)
	}
}

func TestRetryPolicyMaxAttempts(t *testing.T) {
	p := RetryPolicy{Enabled: true, MaxChannelRetries: 3, MaxSingleChannelRetries: 2}
	if got := p.MaxAttempts(); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
	p.Enabled = false
	if got := p.MaxAttempts(); got != 1 {
		t.Fatalf("disabled policy allows 1 attempt, got %d", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYMUX_PORT", "9999")
	t.Setenv("RELAYMUX_DEBUG", "true")
	t.Setenv("RELAYMUX_AUDIT_DSN", "sqlite://audit.db")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)
	if cfg.Port != 9999 || !cfg.Debug || cfg.AuditDSN != "sqlite://audit.db" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}
