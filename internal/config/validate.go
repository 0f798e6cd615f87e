package config

import (
	"errors"
	"fmt"
)

// Validate checks that required fields are set and values are sane.
// Credential material itself is validated by the auth package at startup.
func (c *Config) Validate() error {
	if c.StreamKeyID == "" {
		return errors.New("stream_key_id is required")
	}
	if c.PrivateKeyPath == "" && c.PrivateKeyContent == "" {
		return errors.New("private_key_path or private_key_content is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("flush_interval_seconds must be > 0, got %v", c.FlushIntervalSeconds)
	}
	if c.MaxSubscriptions < 1 {
		return fmt.Errorf("max_subscriptions must be >= 1, got %d", c.MaxSubscriptions)
	}
	if c.WatchdogTimeoutSeconds <= 0 {
		return fmt.Errorf("watchdog_timeout_seconds must be > 0, got %v", c.WatchdogTimeoutSeconds)
	}
	if c.SnapshotPollIntervalSeconds < 0 {
		return fmt.Errorf("snapshot_poll_interval_seconds must be >= 0, got %d", c.SnapshotPollIntervalSeconds)
	}

	if c.DBPoolMin < 0 {
		return fmt.Errorf("db_pool_min must be >= 0, got %d", c.DBPoolMin)
	}
	if c.DBPoolMax < 1 {
		return fmt.Errorf("db_pool_max must be >= 1, got %d", c.DBPoolMax)
	}
	if c.DBPoolMin > c.DBPoolMax {
		return fmt.Errorf("db_pool_min (%d) cannot exceed db_pool_max (%d)", c.DBPoolMin, c.DBPoolMax)
	}

	return nil
}
