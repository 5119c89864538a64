// ABOUTME: Configuration loading and parsing for chatgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatgate configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig holds session lifecycle timing configuration.
type SessionConfig struct {
	PairingTimeout    time.Duration `yaml:"-"`
	ReconnectBase     time.Duration `yaml:"-"`
	ReconnectCap      time.Duration `yaml:"-"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	CommandQueueSize  int           `yaml:"command_queue_size"`

	// Raw string values for YAML unmarshaling
	PairingTimeoutRaw string `yaml:"pairing_timeout"`
	ReconnectBaseRaw  string `yaml:"reconnect_base"`
	ReconnectCapRaw   string `yaml:"reconnect_cap"`
}

// WebhookConfig holds webhook delivery configuration.
type WebhookConfig struct {
	AttemptTimeout time.Duration `yaml:"-"`
	RetryBase      time.Duration `yaml:"-"`
	RetryCap       time.Duration `yaml:"-"`
	MaxAttempts    int           `yaml:"max_attempts"`
	QueueSize      int           `yaml:"queue_size"`

	// Raw string values for YAML unmarshaling
	AttemptTimeoutRaw string `yaml:"attempt_timeout"`
	RetryBaseRaw      string `yaml:"retry_base"`
	RetryCapRaw       string `yaml:"retry_cap"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Session.ReconnectAttempts < 0 {
		return fmt.Errorf("session.reconnect_attempts must not be negative")
	}
	if c.Webhook.MaxAttempts < 0 {
		return fmt.Errorf("webhook.max_attempts must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Session.PairingTimeoutRaw, "pairing_timeout", &cfg.Session.PairingTimeout},
		{cfg.Session.ReconnectBaseRaw, "reconnect_base", &cfg.Session.ReconnectBase},
		{cfg.Session.ReconnectCapRaw, "reconnect_cap", &cfg.Session.ReconnectCap},
		{cfg.Webhook.AttemptTimeoutRaw, "attempt_timeout", &cfg.Webhook.AttemptTimeout},
		{cfg.Webhook.RetryBaseRaw, "retry_base", &cfg.Webhook.RetryBase},
		{cfg.Webhook.RetryCapRaw, "retry_cap", &cfg.Webhook.RetryCap},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
