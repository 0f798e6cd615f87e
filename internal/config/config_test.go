package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STREAM_KEY_ID", "key-123")
	t.Setenv("STREAM_PRIVATE_KEY_PATH", "/tmp/key.pem")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/kalshibook")
}

func TestLoad_EnvOnly(t *testing.T) {
	baseEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StreamKeyID != "key-123" {
		t.Errorf("StreamKeyID = %q, want key-123", cfg.StreamKeyID)
	}
	if cfg.StreamURL != DefaultStreamURL {
		t.Errorf("StreamURL = %q, want default", cfg.StreamURL)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.FlushInterval() != 2*time.Second {
		t.Errorf("FlushInterval = %v, want 2s", cfg.FlushInterval())
	}
	if cfg.WatchdogTimeout() != 30*time.Second {
		t.Errorf("WatchdogTimeout = %v, want 30s", cfg.WatchdogTimeout())
	}
	if cfg.MaxSubscriptions != 1000 {
		t.Errorf("MaxSubscriptions = %d, want 1000", cfg.MaxSubscriptions)
	}
}

func TestLoad_FileWithEnvOverlay(t *testing.T) {
	baseEnv(t)
	t.Setenv("BATCH_SIZE", "250")

	path := writeTempFile(t, `
stream_key_id: from-file
batch_size: 100
flush_interval_seconds: 0.5
max_subscriptions: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Env wins over file.
	if cfg.StreamKeyID != "key-123" {
		t.Errorf("StreamKeyID = %q, want env value key-123", cfg.StreamKeyID)
	}
	if cfg.BatchSize != 250 {
		t.Errorf("BatchSize = %d, want env value 250", cfg.BatchSize)
	}
	// File wins over defaults.
	if cfg.FlushInterval() != 500*time.Millisecond {
		t.Errorf("FlushInterval = %v, want 500ms", cfg.FlushInterval())
	}
	if cfg.MaxSubscriptions != 3 {
		t.Errorf("MaxSubscriptions = %d, want 3", cfg.MaxSubscriptions)
	}
}

func TestLoad_FileEnvSubstitution(t *testing.T) {
	baseEnv(t)
	t.Setenv("TEST_DB_URL", "postgres://sub:env@db:5432/app")

	path := writeTempFile(t, "database_url: ${TEST_DB_URL}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// DATABASE_URL env var still wins over the substituted file value.
	if cfg.DatabaseURL != "postgres://u:p@localhost:5432/kalshibook" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestValidate_MissingCredentials(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://x"}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing stream_key_id")
	}

	cfg.StreamKeyID = "k"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing key material")
	}
}

func TestValidate_PoolBounds(t *testing.T) {
	baseEnv(t)
	t.Setenv("DB_POOL_MIN", "30")
	t.Setenv("DB_POOL_MAX", "10")

	if _, err := Load(""); err == nil {
		t.Error("expected error for db_pool_min > db_pool_max")
	}
}
