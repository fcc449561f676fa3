package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("TERMINAL_ENROLLMENT_KEY", "")
	t.Setenv("ADMIN_KEY", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.TerminalEnrollmentKey != "" {
		t.Fatalf("expected empty TERMINAL_ENROLLMENT_KEY when unset, got %q", cfg.TerminalEnrollmentKey)
	}
	if cfg.AdminKey != "" {
		t.Fatalf("expected empty ADMIN_KEY when unset, got %q", cfg.AdminKey)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")
	t.Setenv("CATALOG_CACHE_TTL_SECONDS", "abc")

	cfg := Load()
	if cfg.AccessTokenTTL() != 480*time.Minute {
		t.Fatalf("expected default token ttl, got %s", cfg.AccessTokenTTL())
	}
	if cfg.CatalogCacheTTL() != 30*time.Second {
		t.Fatalf("expected default cache ttl, got %s", cfg.CatalogCacheTTL())
	}
}

func TestLoadTerminal(t *testing.T) {
	t.Setenv("TERMINAL_ID", " till-2 ")
	t.Setenv("SYNC_SERVER_URL", "http://sync.local:9000/")
	t.Setenv("SYNC_BASE_DELAY_MS", "250")
	t.Setenv("SYNC_MAX_ATTEMPTS", "0")

	cfg := LoadTerminal()
	if cfg.TerminalID != "till-2" {
		t.Fatalf("unexpected terminal id %q", cfg.TerminalID)
	}
	if cfg.ServerURL != "http://sync.local:9000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ServerURL)
	}
	if cfg.BaseDelay != 250*time.Millisecond {
		t.Fatalf("unexpected base delay %s", cfg.BaseDelay)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected default attempts for invalid value, got %d", cfg.MaxAttempts)
	}
}
