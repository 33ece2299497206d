package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("HOLDING_TTL_SECONDS", "")
	t.Setenv("SESSION_IDLE_TIMEOUT_SECONDS", "")
	t.Setenv("QUEUE_DEFERRED_LAST", "")
	t.Setenv("STORE_DRIVER", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.HoldingTTL != 5*time.Minute {
		t.Fatalf("expected 5m holding ttl, got %s", cfg.HoldingTTL)
	}
	if cfg.SessionIdleTimeout != 20*time.Minute {
		t.Fatalf("expected 20m idle timeout, got %s", cfg.SessionIdleTimeout)
	}
	if !cfg.DeferredLast {
		t.Fatalf("expected deferred-last ordering by default")
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %s", cfg.StoreDriver)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HOLDING_TTL_SECONDS", "90")
	t.Setenv("QUEUE_DEFERRED_LAST", "false")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RATE_LIMIT_BURST", "not-a-number")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.HoldingTTL != 90*time.Second {
		t.Fatalf("expected 90s holding ttl, got %s", cfg.HoldingTTL)
	}
	if cfg.DeferredLast {
		t.Fatalf("expected effective-time ordering")
	}
	if cfg.StoreDriver != DriverMemory {
		t.Fatalf("expected memory driver, got %s", cfg.StoreDriver)
	}
	if cfg.RateLimitBurst != 30 {
		t.Fatalf("expected fallback burst 30, got %d", cfg.RateLimitBurst)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("EVENTS_CHANNEL=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("EVENTS_CHANNEL", "")
	os.Unsetenv("EVENTS_CHANNEL")

	cfg := Load()
	if cfg.EventsChannel != "from-dotenv" {
		t.Fatalf("expected channel from .env, got %s", cfg.EventsChannel)
	}
}
