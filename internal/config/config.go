package config

import (
	"path/filepath"
	"time"
)

// Config represents the main Weft configuration
type Config struct {
	// Providers holds backend provider definitions
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Scheduler configures background job recovery
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Tools configures bounded shell tool execution
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Gateway configures the websocket event gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory for the conversation database and secrets file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderKind identifies how a backend is driven.
type ProviderKind string

const (
	// ProviderAnthropic is the synchronous streaming HTTP backend with
	// native tool calling.
	ProviderAnthropic ProviderKind = "anthropic"
	// ProviderOpenAIBatch is the asynchronous submit-then-poll backend.
	ProviderOpenAIBatch ProviderKind = "openai_batch"
	// ProviderOllama is a locally hosted model reachable over HTTP.
	ProviderOllama ProviderKind = "ollama"
	// ProviderCLI is a local command-line subprocess backend.
	ProviderCLI ProviderKind = "cli"
)

// ProviderConfig defines one backend provider
type ProviderConfig struct {
	ID        string       `json:"id" mapstructure:"id"`
	Kind      ProviderKind `json:"kind" mapstructure:"kind"`
	SecretRef string       `json:"secret_ref" mapstructure:"secret_ref"`
	BaseURL   string       `json:"base_url" mapstructure:"base_url"`
	Model     string       `json:"model" mapstructure:"model"`
	// Binary and Args apply to the cli kind only
	Binary string   `json:"binary" mapstructure:"binary"`
	Args   []string `json:"args" mapstructure:"args"`
}

// SchedulerConfig configures the background job recovery scheduler
type SchedulerConfig struct {
	IntervalSeconds int `json:"interval_seconds" mapstructure:"interval_seconds"`
	BatchSize       int `json:"batch_size" mapstructure:"batch_size"`
}

// Interval returns the polling cadence as a duration.
func (s SchedulerConfig) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// ToolsConfig configures shell tool execution bounds
type ToolsConfig struct {
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes int    `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	Workspace      string `json:"workspace" mapstructure:"workspace"`
}

// Timeout returns the per-invocation execution bound.
func (t ToolsConfig) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// GatewayConfig configures the websocket event gateway
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DatabasePath returns the conversation database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "weft.db")
}

// SecretsPath returns the secrets file location.
func (c *Config) SecretsPath() string {
	return filepath.Join(c.DataDir, "secrets.json")
}

// Provider returns the provider config with the given id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			IntervalSeconds: 5,
			BatchSize:       50,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 60,
			MaxOutputBytes: 16 * 1024,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    7433,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}
