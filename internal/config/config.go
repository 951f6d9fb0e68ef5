// ABOUTME: Configuration loading and parsing for the devrelay server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete devrelay configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Agents       AgentsConfig       `yaml:"agents"`
	Conversation ConversationConfig `yaml:"conversation"`
	Streamer     StreamerConfig     `yaml:"streamer"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent liveness tunables. The sweep interval and the
// offline timeout are independent; the timeout must exceed two sweep periods
// to avoid demoting machines on scheduling jitter.
type AgentsConfig struct {
	PingInterval  time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	OfflineAfter  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingIntervalRaw  string `yaml:"ping_interval"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	OfflineAfterRaw  string `yaml:"offline_after"`
}

// ConversationConfig holds context-window selection tunables.
type ConversationConfig struct {
	// ContextEntries is how many non-marker entries after the latest
	// exec marker are serialized when no continuation token exists.
	ContextEntries int `yaml:"context_entries"`
	// PlanEntries is how many plan-phase entries are prepended on the
	// first exec turn.
	PlanEntries int `yaml:"plan_entries"`
}

// StreamerConfig holds progress-rendering tunables.
type StreamerConfig struct {
	EditInterval time.Duration `yaml:"-"`
	TailLines    int           `yaml:"tail_lines"`

	EditIntervalRaw string `yaml:"edit_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied after parsing when fields are unset.
const (
	DefaultPingInterval   = 30 * time.Second
	DefaultSweepInterval  = 30 * time.Second
	DefaultOfflineAfter   = 90 * time.Second
	DefaultEditInterval   = 2 * time.Second
	DefaultTailLines      = 12
	DefaultContextEntries = 20
	DefaultPlanEntries    = 10
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. If the environment variable is not set, it is replaced with
// an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued tunables.
func (c *Config) applyDefaults() {
	if c.Agents.PingInterval == 0 {
		c.Agents.PingInterval = DefaultPingInterval
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultSweepInterval
	}
	if c.Agents.OfflineAfter == 0 {
		c.Agents.OfflineAfter = DefaultOfflineAfter
	}
	if c.Streamer.EditInterval == 0 {
		c.Streamer.EditInterval = DefaultEditInterval
	}
	if c.Streamer.TailLines == 0 {
		c.Streamer.TailLines = DefaultTailLines
	}
	if c.Conversation.ContextEntries == 0 {
		c.Conversation.ContextEntries = DefaultContextEntries
	}
	if c.Conversation.PlanEntries == 0 {
		c.Conversation.PlanEntries = DefaultPlanEntries
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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
	// A timeout shorter than two sweeps produces false offline demotions
	// from ordinary scheduling jitter.
	if c.Agents.OfflineAfter < 2*c.Agents.SweepInterval {
		return fmt.Errorf("agents.offline_after (%s) must be at least twice agents.sweep_interval (%s)",
			c.Agents.OfflineAfter, c.Agents.SweepInterval)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agents.PingIntervalRaw, &cfg.Agents.PingInterval, "ping_interval"},
		{cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval, "sweep_interval"},
		{cfg.Agents.OfflineAfterRaw, &cfg.Agents.OfflineAfter, "offline_after"},
		{cfg.Streamer.EditIntervalRaw, &cfg.Streamer.EditInterval, "edit_interval"},
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
