package config

import (
	"testing"
	"time"
)

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without REDIS_URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LobbyTTL != 5*time.Minute || cfg.RoundBudget != 15*time.Second || cfg.RoundBudgetAsync != 2*time.Hour {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if cfg.WatchdogBatch != 64 {
		t.Fatalf("default batch wrong: %d", cfg.WatchdogBatch)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOBBY_TTL", "90")         // bare seconds
	t.Setenv("ROUND_BUDGET", "30s")     // Go duration
	t.Setenv("ROUND_BUDGET_ASYNC", "24h")
	t.Setenv("WATCHDOG_BATCH", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LobbyTTL != 90*time.Second {
		t.Fatalf("LOBBY_TTL: %v", cfg.LobbyTTL)
	}
	if cfg.RoundBudget != 30*time.Second || cfg.RoundBudgetAsync != 24*time.Hour {
		t.Fatalf("budgets: %v %v", cfg.RoundBudget, cfg.RoundBudgetAsync)
	}
	if cfg.WatchdogBatch != 16 {
		t.Fatalf("batch: %d", cfg.WatchdogBatch)
	}
}

func TestLoadCapsLobbyTTL(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOBBY_TTL", "48h")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LobbyTTL != 24*time.Hour {
		t.Fatalf("LOBBY_TTL not capped: %v", cfg.LobbyTTL)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ROUND_BUDGET", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("redis://:secret@example.com:6390/2")
	if err != nil {
		t.Fatalf("parseRedisURL: %v", err)
	}
	if opts.Addr != "example.com:6390" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("parsed wrong: %+v", opts)
	}

	opts, err = parseRedisURL("redis://example.com")
	if err != nil {
		t.Fatalf("parseRedisURL: %v", err)
	}
	if opts.Addr != "example.com:6379" {
		t.Fatalf("default port not applied: %q", opts.Addr)
	}

	if _, err := parseRedisURL("http://example.com"); err == nil {
		t.Fatalf("non-redis scheme accepted")
	}
}
