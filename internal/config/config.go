package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Campaign  CampaignConfig  `yaml:"campaign"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"` // empty = no auth on management endpoints
}

// DatabaseConfig contains relational store settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// RedisConfig contains counter store settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig contains job queue settings
type QueueConfig struct {
	Path            string        `yaml:"path"` // BoltDB file for the job queue
	Workers         int           `yaml:"workers"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	LeaseDuration   time.Duration `yaml:"lease_duration"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	StallInterval   time.Duration `yaml:"stall_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DoneMaxAge      time.Duration `yaml:"done_max_age"`
}

// DispatchConfig contains dispatch worker settings
type DispatchConfig struct {
	ProviderTimeout time.Duration `yaml:"provider_timeout"` // network timeout for one send
	SweepInterval   time.Duration `yaml:"sweep_interval"`   // how often to look for records stuck in sending
	StuckAfter      time.Duration `yaml:"stuck_after"`      // force-fail sending records older than this
}

// CampaignConfig contains fan-out settings
type CampaignConfig struct {
	SpreadWindow time.Duration `yaml:"spread_window"` // recipient jobs are spread randomly over this window
}

// TrackingConfig contains open/click tracking settings
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"` // public base URL for pixel/click endpoints
	Opens   *bool  `yaml:"opens"`    // nil = enabled
	Clicks  *bool  `yaml:"clicks"`   // nil = enabled
}

// OpensEnabled reports whether open tracking pixels are injected
func (t TrackingConfig) OpensEnabled() bool {
	return t.Opens == nil || *t.Opens
}

// ClicksEnabled reports whether anchor hrefs are rewritten through the
// click redirect
func (t TrackingConfig) ClicksEnabled() bool {
	return t.Clicks == nil || *t.Clicks
}

// RateLimitConfig contains per-domain hourly limits
type RateLimitConfig struct {
	MaxPerHour int `yaml:"max_per_hour"`
}

// DefaultsConfig contains fallback sender identity
type DefaultsConfig struct {
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/dispatch.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Queue.Path == "" {
		c.Queue.Path = "./data/jobs.db"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryDelay <= 0 {
		c.Queue.RetryDelay = 2 * time.Second
	}
	if c.Queue.LeaseDuration <= 0 {
		c.Queue.LeaseDuration = 30 * time.Second
	}
	if c.Queue.ProcessInterval <= 0 {
		c.Queue.ProcessInterval = time.Second
	}
	if c.Queue.StallInterval <= 0 {
		c.Queue.StallInterval = 30 * time.Second
	}
	if c.Queue.CleanupInterval <= 0 {
		c.Queue.CleanupInterval = 30 * time.Minute
	}
	if c.Queue.DoneMaxAge <= 0 {
		c.Queue.DoneMaxAge = time.Hour
	}
	if c.Dispatch.ProviderTimeout <= 0 {
		c.Dispatch.ProviderTimeout = 20 * time.Second
	}
	if c.Dispatch.SweepInterval <= 0 {
		c.Dispatch.SweepInterval = 10 * time.Minute
	}
	if c.Dispatch.StuckAfter <= 0 {
		c.Dispatch.StuckAfter = 5 * time.Minute
	}
	if c.Campaign.SpreadWindow <= 0 {
		c.Campaign.SpreadWindow = time.Hour
	}
	if c.Tracking.BaseURL == "" {
		c.Tracking.BaseURL = "http://localhost:8080"
	}
	if c.RateLimit.MaxPerHour <= 0 {
		c.RateLimit.MaxPerHour = 60
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for correctness
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	// The provider call must give up before the job lease expires, otherwise
	// the stall detector can hand the job to a second worker mid-send.
	if c.Dispatch.ProviderTimeout >= c.Queue.LeaseDuration {
		return fmt.Errorf("dispatch.provider_timeout (%s) must be shorter than queue.lease_duration (%s)",
			c.Dispatch.ProviderTimeout, c.Queue.LeaseDuration)
	}

	if c.Dispatch.StuckAfter <= c.Queue.LeaseDuration {
		return fmt.Errorf("dispatch.stuck_after (%s) must exceed queue.lease_duration (%s)",
			c.Dispatch.StuckAfter, c.Queue.LeaseDuration)
	}

	return nil
}
