package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main clipflow configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Sessions
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Tool gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Streaming transport
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Workflow driving
	Workflow WorkflowConfig `json:"workflow" mapstructure:"workflow"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// SessionsConfig holds session lifecycle settings
type SessionsConfig struct {
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	MaxActive     int           `json:"max_active" mapstructure:"max_active"`
	DatabaseFile  string        `json:"database_file" mapstructure:"database_file"`
}

// GatewayConfig holds tool gateway settings
type GatewayConfig struct {
	HistoryLimit int `json:"history_limit" mapstructure:"history_limit"`
}

// StreamConfig holds the websocket stream server settings
type StreamConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// WorkflowConfig holds orchestration settings
type WorkflowConfig struct {
	ApprovalTimeout time.Duration `json:"approval_timeout" mapstructure:"approval_timeout"`
}

// MetricsConfig controls the /metrics endpoint on the stream server.
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Sessions: SessionsConfig{
			TTL:           time.Hour,
			SweepInterval: 5 * time.Minute,
			MaxActive:     100,
		},
		Gateway: GatewayConfig{
			HistoryLimit: 100,
		},
		Stream: StreamConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8089,
		},
		Workflow: WorkflowConfig{
			ApprovalTimeout: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	if c.Sessions.MaxActive <= 0 {
		return fmt.Errorf("sessions.max_active must be positive")
	}
	if c.Gateway.HistoryLimit <= 0 {
		return fmt.Errorf("gateway.history_limit must be positive")
	}
	if c.Workflow.ApprovalTimeout <= 0 {
		return fmt.Errorf("workflow.approval_timeout must be positive")
	}

	if c.Stream.Enabled {
		if c.Stream.Port < 1 || c.Stream.Port > 65535 {
			return fmt.Errorf("invalid stream port: %d", c.Stream.Port)
		}
	}
	if c.Metrics.Enabled && !c.Stream.Enabled {
		return fmt.Errorf("metrics endpoint requires the stream server to be enabled")
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}
