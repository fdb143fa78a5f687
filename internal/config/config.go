// Package config loads trellosync settings from an optional YAML file with
// environment overrides on top.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RemoteMemory   = "memory"
	RemotePostgres = "postgres"
)

// Config is the shape of trellosync.yml.
type Config struct {
	Addr   string `yaml:"addr"`
	Remote string `yaml:"remote"` // "memory" or "postgres"
	// DatabaseURL is required for the postgres remote.
	DatabaseURL string `yaml:"database_url,omitempty"`
	// Channel is the NOTIFY channel, and the Redis channel when RedisURL is set.
	Channel  string `yaml:"channel,omitempty"`
	RedisURL string `yaml:"redis_url,omitempty"`
	// ReorderWindow is a duration string such as "50ms"; "0" applies events on arrival.
	ReorderWindow string `yaml:"reorder_window,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
	OwnerID       string `yaml:"owner_id,omitempty"`
	Migrate       bool   `yaml:"migrate,omitempty"`

	window time.Duration
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Addr:          ":8080",
		Remote:        RemoteMemory,
		ReorderWindow: "50ms",
		LogLevel:      "info",
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("ADDR", c.Addr)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getenv("REDIS_URL", c.RedisURL)
	c.Remote = getenv("TRELLOSYNC_REMOTE", c.Remote)
	c.Channel = getenv("TRELLOSYNC_CHANNEL", c.Channel)
	c.ReorderWindow = getenv("REORDER_WINDOW", c.ReorderWindow)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
}

// Validate fills empty fields with defaults and checks the rest.
func (c *Config) Validate() error {
	def := Default()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Remote == "" {
		c.Remote = def.Remote
	}
	if c.ReorderWindow == "" {
		c.ReorderWindow = def.ReorderWindow
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	switch c.Remote {
	case RemoteMemory:
	case RemotePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("remote %q requires database_url", c.Remote)
		}
	default:
		return fmt.Errorf("unknown remote %q (valid: %s, %s)", c.Remote, RemoteMemory, RemotePostgres)
	}

	d, err := time.ParseDuration(c.ReorderWindow)
	if err != nil {
		return fmt.Errorf("reorder_window: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("reorder_window must not be negative, got %s", d)
	}
	c.window = d

	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Window is the parsed ReorderWindow. It is only valid after Validate.
func (c *Config) Window() time.Duration { return c.window }

func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
