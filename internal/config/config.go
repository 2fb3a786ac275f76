// Package config handles configuration for the LiteLLM WebSocket client.
//
// Configuration files are YAML (JSON is accepted too, being a YAML
// subset):
//
//	server_url: ws://localhost:4000/v1/chat/completions/ws
//	api_key: sk-...
//	ping_timeout: 5s
//	model: gpt-3.5-turbo
//	logging:
//	  level: info
//	  file: /var/log/litellm-ws.log
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPingTimeout is how long a heartbeat waits for its pong.
const DefaultPingTimeout = 5 * time.Second

// DefaultServerURL points at a local LiteLLM proxy.
const DefaultServerURL = "ws://localhost:4000/v1/chat/completions/ws"

// Duration is a wrapper for time.Duration that supports YAML unmarshaling
// from strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = Duration(DefaultPingTimeout)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoggingConfig holds the logging section.
type LoggingConfig struct {
	Level      string `yaml:"level,omitempty" json:"level,omitempty"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	JSON       bool   `yaml:"json,omitempty" json:"json,omitempty"`
}

// Config is the client configuration.
type Config struct {
	// ServerURL is the WebSocket endpoint. ws, wss, http and https schemes
	// are accepted; http(s) is rewritten to ws(s) when dialing.
	ServerURL string `yaml:"server_url" json:"server_url"`

	// APIKey is sent as an Authorization bearer header when non-empty.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// PingTimeout bounds how long a heartbeat waits for its pong.
	PingTimeout Duration `yaml:"ping_timeout,omitempty" json:"ping_timeout,omitempty"`

	// Model is the default model for chat completions.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Logging configures log level and optional file output.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ServerURL:   DefaultServerURL,
		PingTimeout: Duration(DefaultPingTimeout),
		Model:       "gpt-3.5-turbo",
		Logging:     LoggingConfig{Level: "info"},
	}
}

// Load reads a configuration file and applies defaults for missing fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = Duration(DefaultPingTimeout)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for problems that would only surface
// later as confusing dial errors.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url %q: %w", c.ServerURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("invalid server_url scheme %q (want ws, wss, http or https)", u.Scheme)
	}
	return nil
}
