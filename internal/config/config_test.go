package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("HEALTH_DOWN_THRESHOLD", "")
	t.Setenv("WRITER_CONCURRENCY", "")
	t.Setenv("PMS_REQUEST_TIMEOUT", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.HealthDownThreshold != 3 {
		t.Fatalf("expected default health threshold 3, got %d", cfg.HealthDownThreshold)
	}
	if cfg.WriterConcurrency != 3 {
		t.Fatalf("expected default writer concurrency 3, got %d", cfg.WriterConcurrency)
	}
	if cfg.PMSRequestTimeout != 15*time.Second {
		t.Fatalf("expected default request timeout, got %s", cfg.PMSRequestTimeout)
	}
	if cfg.SyncInitialLookback != 30*24*time.Hour {
		t.Fatalf("expected 30 day lookback, got %s", cfg.SyncInitialLookback)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("PMS_SANDBOX_BASE_URL", "https://sandbox.example.test/")
	t.Setenv("PMS_PAGE_SIZE", "25")
	t.Setenv("PMS_RETRY_BASE_DELAY", "2s")
	t.Setenv("HEALTH_DOWN_THRESHOLD", "5")
	t.Setenv("WRITER_RATE_PER_SECOND", "2.5")
	t.Setenv("SYNC_LOCK_TTL", "45m")
	t.Setenv("REDIS_TLS", "true")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.PMSSandboxBaseURL != "https://sandbox.example.test" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.PMSSandboxBaseURL)
	}
	if cfg.PMSPageSize != 25 {
		t.Fatalf("expected page size override, got %d", cfg.PMSPageSize)
	}
	if cfg.PMSRetryBaseDelay != 2*time.Second {
		t.Fatalf("expected retry delay override, got %s", cfg.PMSRetryBaseDelay)
	}
	if cfg.HealthDownThreshold != 5 {
		t.Fatalf("expected threshold override, got %d", cfg.HealthDownThreshold)
	}
	if cfg.WriterRatePerSecond != 2.5 {
		t.Fatalf("expected rate override, got %v", cfg.WriterRatePerSecond)
	}
	if cfg.SyncLockTTL != 45*time.Minute {
		t.Fatalf("expected lock ttl override, got %s", cfg.SyncLockTTL)
	}
	if !cfg.RedisTLS {
		t.Fatalf("expected redis tls enabled")
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("PMS_MAX_RETRIES", "three")
	t.Setenv("SYNC_INITIAL_LOOKBACK", "a while")
	cfg := Load()
	if cfg.PMSMaxRetries != 3 {
		t.Fatalf("expected default retries, got %d", cfg.PMSMaxRetries)
	}
	if cfg.SyncInitialLookback != 30*24*time.Hour {
		t.Fatalf("expected default lookback, got %s", cfg.SyncInitialLookback)
	}
}
