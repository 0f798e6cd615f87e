// Package config loads collector configuration from an optional YAML file
// overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all collector settings.
type Config struct {
	// Credentials
	StreamKeyID       string `yaml:"stream_key_id"`
	PrivateKeyPath    string `yaml:"private_key_path"`
	PrivateKeyContent string `yaml:"private_key_content"`

	// Endpoints
	StreamURL          string `yaml:"stream_url"`
	StreamPath         string `yaml:"stream_path"`
	SideChannelBaseURL string `yaml:"side_channel_base_url"`

	// Database
	DatabaseURL string `yaml:"database_url"`
	DBPoolMin   int    `yaml:"db_pool_min"`
	DBPoolMax   int    `yaml:"db_pool_max"`

	// Collector tuning
	BatchSize                   int     `yaml:"batch_size"`
	FlushIntervalSeconds        float64 `yaml:"flush_interval_seconds"`
	MaxSubscriptions            int     `yaml:"max_subscriptions"`
	WatchdogTimeoutSeconds      float64 `yaml:"watchdog_timeout_seconds"`
	SnapshotPollIntervalSeconds int     `yaml:"snapshot_poll_interval_seconds"`
}

// Load reads the YAML file at path (skipped when path is empty), overlays
// environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// ${VAR} references in the file resolve from the environment.
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (c *Config) applyEnv() {
	envStr(&c.StreamKeyID, "STREAM_KEY_ID")
	envStr(&c.PrivateKeyPath, "STREAM_PRIVATE_KEY_PATH")
	envStr(&c.PrivateKeyContent, "STREAM_PRIVATE_KEY_CONTENT")
	envStr(&c.StreamURL, "STREAM_URL")
	envStr(&c.StreamPath, "STREAM_PATH")
	envStr(&c.SideChannelBaseURL, "SIDE_CHANNEL_BASE_URL")
	envStr(&c.DatabaseURL, "DATABASE_URL")
	envInt(&c.DBPoolMin, "DB_POOL_MIN")
	envInt(&c.DBPoolMax, "DB_POOL_MAX")
	envInt(&c.BatchSize, "BATCH_SIZE")
	envFloat(&c.FlushIntervalSeconds, "FLUSH_INTERVAL_SECONDS")
	envInt(&c.MaxSubscriptions, "MAX_SUBSCRIPTIONS")
	envFloat(&c.WatchdogTimeoutSeconds, "WATCHDOG_TIMEOUT_SECONDS")
	envInt(&c.SnapshotPollIntervalSeconds, "SNAPSHOT_POLL_INTERVAL_SECONDS")
}

// FlushInterval returns the periodic flush interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds * float64(time.Second))
}

// WatchdogTimeout returns the stream watchdog timeout as a duration.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSeconds * float64(time.Second))
}

// SnapshotPollInterval returns the REST snapshot poll interval. Zero
// disables polling.
func (c *Config) SnapshotPollInterval() time.Duration {
	return time.Duration(c.SnapshotPollIntervalSeconds) * time.Second
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
