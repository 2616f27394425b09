package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierCommunity || cfg.Repository.Driver != "sqlite" || cfg.Server.Port != 8080 {
		t.Errorf("expected community defaults, got %+v", cfg)
	}
	if cfg.Sweep.Interval != 5*time.Minute {
		t.Errorf("expected default sweep interval, got %v", cfg.Sweep.Interval)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "kestrel.yaml", `
server:
  port: 9000
repository:
  sqlitePath: /var/lib/kestrel/kestrel.db
sweep:
  interval: 2m
  maxUsersPerTick: 50
resistance:
  sybilRiskBlock: 0.6
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Repository.SQLitePath != "/var/lib/kestrel/kestrel.db" {
		t.Errorf("unexpected sqlite path %q", cfg.Repository.SQLitePath)
	}
	if cfg.Sweep.Interval != 2*time.Minute || cfg.Sweep.MaxUsersPerTick != 50 {
		t.Errorf("unexpected sweep config %+v", cfg.Sweep)
	}
	if cfg.Resistance.SybilRiskBlock != 0.6 {
		t.Errorf("expected sybil risk block 0.6, got %v", cfg.Resistance.SybilRiskBlock)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Host != "0.0.0.0" || cfg.Cache.Type != "memory" {
		t.Errorf("defaults lost: %+v", cfg.Server)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("KESTREL_SERVER_PORT", "9090")
	t.Setenv("KESTREL_REPOSITORY_DRIVER", "pgx")
	t.Setenv("KESTREL_RATELIMIT_FAILOPEN", "false")
	t.Setenv("KESTREL_DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Repository.Driver != "pgx" {
		t.Errorf("env overrides not applied: port %d driver %s", cfg.Server.Port, cfg.Repository.Driver)
	}
	if cfg.RateLimit.FailOpen {
		t.Error("expected fail-closed rate limiting")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug logging, got %s", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")
	t.Setenv("KESTREL_CACHE_REDISADDR", "redis:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierPro || cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro defaults, got tier %s repo %s bus %s", cfg.Tier, cfg.Repository.Driver, cfg.EventBus.Type)
	}
	if cfg.Cache.RedisAddr != "redis:6379" {
		t.Errorf("expected env redis addr, got %s", cfg.Cache.RedisAddr)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("InvalidValues", func(t *testing.T) {
		path := writeFile(t, "bad.json", `{"sweep": {"enabled": true, "interval": "0s"}}`)
		if _, err := Load(path); !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
