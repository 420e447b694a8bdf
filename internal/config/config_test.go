package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	if v := envStr("RESOLVD_TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
}

func TestEnvIntValid(t *testing.T) {
	t.Setenv("RESOLVD_TEST_INT", "42")
	if v := envInt("RESOLVD_TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("RESOLVD_TEST_INT_BAD", "abc")
	if v := envInt("RESOLVD_TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("RESOLVD_TEST_DUR", "90s")
	if v := envDuration("RESOLVD_TEST_DUR", time.Minute); v != 90*time.Second {
		t.Fatalf("expected 90s, got %v", v)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("RESOLVD_TEST_FLOAT", "2.5")
	if v := envFloat("RESOLVD_TEST_FLOAT", 1); v != 2.5 {
		t.Fatalf("expected 2.5, got %v", v)
	}
}

func TestLoadRequiresDomain(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/resolvd")
	t.Setenv("RESOLVD_DOMAIN", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing domain, got nil")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/resolvd")
	t.Setenv("RESOLVD_DOMAIN", "finance")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Partitions != 4 {
		t.Fatalf("expected default partitions 4, got %d", cfg.Partitions)
	}
	if cfg.ApprovalTTL != 24*time.Hour {
		t.Fatalf("expected default approval ttl 24h, got %v", cfg.ApprovalTTL)
	}
}

func TestSlogLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	} {
		c := Config{LogLevel: name}
		if got := c.SlogLevel(); got != want {
			t.Fatalf("%s: expected %v, got %v", name, got, want)
		}
	}
}
