package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veilchat/veil/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))

	if cfg.Port != "3000" {
		t.Errorf("port = %q, want 3000", cfg.Port)
	}
	if cfg.DBPath != "./veil.db" {
		t.Errorf("db path = %q, want ./veil.db", cfg.DBPath)
	}
	if cfg.TokenTTL() != 24*time.Hour {
		t.Errorf("token ttl = %v, want 24h", cfg.TokenTTL())
	}
	if cfg.RateLimit != 5.0 || cfg.RateBurst != 20 {
		t.Errorf("rate = %v/%d, want 5/20", cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.TokenSecret != "" {
		t.Errorf("token secret should default empty, got %q", cfg.TokenSecret)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veil.yaml")
	data := `port: "8080"
dbPath: /var/lib/veil/veil.db
tokenSecret: file-secret
tokenTTLHours: 2
rateLimit: 1.5
rateBurst: 3
allowedOrigins:
  - https://app.example.com
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := config.Load(path)
	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.DBPath != "/var/lib/veil/veil.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.TokenSecret != "file-secret" {
		t.Errorf("token secret = %q", cfg.TokenSecret)
	}
	if cfg.TokenTTL() != 2*time.Hour {
		t.Errorf("token ttl = %v, want 2h", cfg.TokenTTL())
	}
	if cfg.RateLimit != 1.5 || cfg.RateBurst != 3 {
		t.Errorf("rate = %v/%d, want 1.5/3", cfg.RateLimit, cfg.RateBurst)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("allowed origins = %v", cfg.AllowedOrigins)
	}
	// Unset fields keep defaults.
	if cfg.AppVersion != "dev" {
		t.Errorf("app version = %q, want dev", cfg.AppVersion)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veil.yaml")
	if err := os.WriteFile(path, []byte("port: \"8080\"\ntokenSecret: file-secret\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("VEIL_PORT", "9090")
	t.Setenv("VEIL_TOKEN_SECRET", "env-secret")
	t.Setenv("VEIL_TOKEN_TTL_HOURS", "6")
	t.Setenv("VEIL_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := config.Load(path)
	if cfg.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Port)
	}
	if cfg.TokenSecret != "env-secret" {
		t.Errorf("token secret = %q, want env-secret", cfg.TokenSecret)
	}
	if cfg.TokenTTL() != 6*time.Hour {
		t.Errorf("token ttl = %v, want 6h", cfg.TokenTTL())
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != want[0] || cfg.AllowedOrigins[1] != want[1] {
		t.Errorf("allowed origins = %v, want %v", cfg.AllowedOrigins, want)
	}
}

func TestInvalidEnvValuesIgnored(t *testing.T) {
	t.Setenv("VEIL_TOKEN_TTL_HOURS", "not-a-number")
	t.Setenv("VEIL_RATE_LIMIT", "-3")
	t.Setenv("VEIL_RATE_BURST", "0")

	cfg := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.TokenTTL() != 24*time.Hour {
		t.Errorf("token ttl = %v, want default 24h", cfg.TokenTTL())
	}
	if cfg.RateLimit != 5.0 || cfg.RateBurst != 20 {
		t.Errorf("rate = %v/%d, want defaults 5/20", cfg.RateLimit, cfg.RateBurst)
	}
}
