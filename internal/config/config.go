// Package config provides configuration management for relaymux.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// LoadBalancerStrategy selects the channel-selection algorithm.
type LoadBalancerStrategy string

const (
	// StrategyAdaptive selects channels proportionally to a rolling
	// health score (recent success rate and latency).
	StrategyAdaptive LoadBalancerStrategy = "adaptive"

	// StrategyWeighted selects channels proportionally to their static
	// configured weight.
	StrategyWeighted LoadBalancerStrategy = "weighted"
)

// RetryPolicy bounds the retry/failover loop for one request. The
// coordinator snapshots it once per request, so a mid-flight config
// reload never affects requests already in progress.
type RetryPolicy struct {
	// Enabled gates the whole retry loop. When false a request gets
	// exactly one attempt on one channel.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxChannelRetries is the maximum number of distinct channels to try.
	MaxChannelRetries int `yaml:"max-channel-retries" json:"max_channel_retries"`

	// MaxSingleChannelRetries is the number of repeated attempts on the
	// same channel after the initial try.
	MaxSingleChannelRetries int `yaml:"max-single-channel-retries" json:"max_single_channel_retries"`

	// RetryDelayMs is the fixed delay observed between same-channel attempts.
	RetryDelayMs int `yaml:"retry-delay-ms" json:"retry_delay_ms"`

	// Strategy picks the load balancer: adaptive or weighted.
	Strategy LoadBalancerStrategy `yaml:"load-balancer-strategy" json:"load_balancer_strategy"`
}

// Validate normalizes and checks policy bounds.
func (p *RetryPolicy) Validate() error {
	if p.MaxChannelRetries < 0 {
		return fmt.Errorf("config: max-channel-retries must be >= 0")
	}
	if p.MaxSingleChannelRetries < 0 {
		return fmt.Errorf("config: max-single-channel-retries must be >= 0")
	}
	if p.RetryDelayMs < 0 {
		return fmt.Errorf("config: retry-delay-ms must be >= 0")
	}
	switch p.Strategy {
	case StrategyAdaptive, StrategyWeighted:
	case "":
		p.Strategy = StrategyAdaptive
	default:
		return fmt.Errorf("config: unknown load-balancer-strategy %q", p.Strategy)
	}
	return nil
}

// MaxAttempts is the upper bound of executions a single request can produce.
func (p RetryPolicy) MaxAttempts() int {
	if !p.Enabled {
		return 1
	}
	return p.MaxChannelRetries * (p.MaxSingleChannelRetries + 1)
}

// ChannelSeed declares an upstream channel in the config file. Channels
// are loaded into the registry at startup and mutable afterwards only
// through the management API.
type ChannelSeed struct {
	ID      int64             `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	APIKey  string            `yaml:"api-key,omitempty" json:"api_key,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Weight  int               `yaml:"weight,omitempty" json:"weight,omitempty"`
	Status  string            `yaml:"status,omitempty" json:"status,omitempty"`
	Models  []string          `yaml:"models,omitempty" json:"models,omitempty"`
}

// Config is the root configuration for the relaymux server.
type Config struct {
	Port          int  `yaml:"port" json:"port"`
	Debug         bool `yaml:"debug" json:"debug"`
	LoggingToFile bool `yaml:"logging-to-file" json:"logging_to_file"`

	// AuditDSN selects the execution recorder backend (sqlite:// or
	// postgres://). Empty keeps records in memory only.
	AuditDSN string `yaml:"audit-dsn,omitempty" json:"audit_dsn,omitempty"`

	// RetentionDays bounds how long execution records are kept.
	RetentionDays int `yaml:"retention-days,omitempty" json:"retention_days,omitempty"`

	// MaxRequestBytes limits inbound request body size. 0 uses the default.
	MaxRequestBytes int64 `yaml:"max-request-bytes,omitempty" json:"max_request_bytes,omitempty"`

	// OTLPEndpoint enables trace export when set (host:port of an
	// OTLP/HTTP collector).
	OTLPEndpoint string `yaml:"otlp-endpoint,omitempty" json:"otlp_endpoint,omitempty"`

	Retry    RetryPolicy   `yaml:"retry" json:"retry"`
	Channels []ChannelSeed `yaml:"channels" json:"channels"`
}

// NewDefaultConfig returns the built-in defaults used when no config file
// exists yet.
func NewDefaultConfig() *Config {
	return &Config{
		Port:          8317,
		RetentionDays: 30,
		Retry: RetryPolicy{
			Enabled:                 true,
			MaxChannelRetries:       3,
			MaxSingleChannelRetries: 2,
			RetryDelayMs:            1000,
			Strategy:                StrategyAdaptive,
		},
	}
}

// LoadConfig reads the config file at path. YAML is the primary format;
// .json files are accepted as HuJSON (comments and trailing commas allowed).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := NewDefaultConfig()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		std, errStd := hujson.Standardize(data)
		if errStd != nil {
			return nil, fmt.Errorf("config: standardize %s: %w", path, errStd)
		}
		data = std
		if errUn := yaml.Unmarshal(data, cfg); errUn != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUn)
		}
	} else if errUn := yaml.Unmarshal(data, cfg); errUn != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUn)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but returns defaults when the
// file does not exist and allowMissing is set.
func LoadConfigOptional(path string, allowMissing bool) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && allowMissing {
		cfg := NewDefaultConfig()
		applyEnvOverrides(cfg)
		if errV := cfg.Validate(); errV != nil {
			return nil, errV
		}
		return cfg, nil
	}
	return LoadConfig(path)
}

// applyEnvOverrides lets deployment environments override file settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYMUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v := os.Getenv("RELAYMUX_AUDIT_DSN"); v != "" {
		cfg.AuditDSN = v
	}
	if v := os.Getenv("RELAYMUX_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("RELAYMUX_DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate checks the whole configuration tree.
func (cfg *Config) Validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(cfg.Channels))
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		ch.Name = strings.TrimSpace(ch.Name)
		ch.URL = strings.TrimRight(strings.TrimSpace(ch.URL), "/")
		if ch.ID == 0 {
			ch.ID = int64(i + 1)
		}
		if ch.Name == "" {
			return fmt.Errorf("config: channel %d: name is required", ch.ID)
		}
		if ch.URL == "" {
			return fmt.Errorf("config: channel %q: url is required", ch.Name)
		}
		if ch.Weight < 0 {
			return fmt.Errorf("config: channel %q: weight must be >= 0", ch.Name)
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("config: duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = struct{}{}
	}
	return nil
}

// GenerateDefaultConfigYAML renders the default config for `relaymux init`.
func GenerateDefaultConfigYAML() []byte {
	out, err := yaml.Marshal(NewDefaultConfig())
	if err != nil {
		return nil
	}
	return out
}
