package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/flowcore/internal/filter"
)

type Logging struct {
	Level string `yaml:"level"` // trace..panic, default info
	File  string `yaml:"file"`  // optional rotating sink
}

type Stream struct {
	URL                  string `yaml:"url"`
	HandshakeTimeoutMs   int    `yaml:"handshake_timeout_ms"`
	WriteTimeoutMs       int    `yaml:"write_timeout_ms"`
	BackoffBaseMs        int    `yaml:"backoff_base_ms"`
	BackoffMaxMs         int    `yaml:"backoff_max_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

type Poll struct {
	BaseURL         string `yaml:"base_url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutMs       int    `yaml:"timeout_ms"`
	Burst           int    `yaml:"burst"`
}

type Sentiment struct {
	IdleTTLHours int `yaml:"idle_ttl_hours"` // 0 disables eviction
}

type Root struct {
	Logging     Logging             `yaml:"logging"`
	MetricsAddr string              `yaml:"metrics_addr"` // empty disables the HTTP dump
	Stream      Stream              `yaml:"stream"`
	Poll        Poll                `yaml:"poll"`
	Sentiment   Sentiment           `yaml:"sentiment"`
	Filters     []filter.Definition `yaml:"filters"`
}

// Credentials are never read from the yaml file; they come from the
// environment only (FLOW_API_TOKEN).
type Credentials struct {
	APIToken string `envconfig:"API_TOKEN"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// Stream defaults
	if c.Stream.URL == "" {
		c.Stream.URL = "wss://localhost:8090/stream"
	}
	if c.Stream.HandshakeTimeoutMs == 0 {
		c.Stream.HandshakeTimeoutMs = 10000
	}
	if c.Stream.WriteTimeoutMs == 0 {
		c.Stream.WriteTimeoutMs = 5000
	}
	if c.Stream.BackoffBaseMs == 0 {
		c.Stream.BackoffBaseMs = 1000
	}
	if c.Stream.BackoffMaxMs == 0 {
		c.Stream.BackoffMaxMs = 30000
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = 5
	}

	// Poll fallback defaults
	if c.Poll.BaseURL == "" {
		c.Poll.BaseURL = "http://localhost:8091"
	}
	if c.Poll.IntervalSeconds == 0 {
		c.Poll.IntervalSeconds = 30
	}
	if c.Poll.TimeoutMs == 0 {
		c.Poll.TimeoutMs = 10000
	}

	if c.Sentiment.IdleTTLHours == 0 {
		c.Sentiment.IdleTTLHours = 24
	}

	return c, nil
}

// LoadCredentials reads the FLOW_-prefixed environment overlay.
func LoadCredentials() (Credentials, error) {
	var creds Credentials
	if err := envconfig.Process("FLOW", &creds); err != nil {
		return creds, fmt.Errorf("load credentials: %w", err)
	}
	return creds, nil
}
