package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DEPLOYWATCH_CONFIG", "DEPLOYWATCH_PORT", "DEPLOYWATCH_BIND_ADDR", "DEPLOYWATCH_URL",
		"DEPLOYWATCH_WS_URL", "DEPLOYWATCH_UI_DIR", "DEPLOYWATCH_ENV", "DEPLOYWATCH_LOG_LEVEL",
		"DEPLOYWATCH_POLL_INTERVAL", "DEPLOYWATCH_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8810" {
		t.Errorf("Port = %q, want 8810", cfg.Port)
	}
	if cfg.BackendURL != "http://localhost:8000" {
		t.Errorf("BackendURL = %q", cfg.BackendURL)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", cfg.PollInterval)
	}
	if got := cfg.PushURL(); got != "ws://localhost:8000/api/v1/ws/deployments" {
		t.Errorf("PushURL = %q", got)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYWATCH_PORT", "9999")
	t.Setenv("DEPLOYWATCH_URL", "https://paas.example.com")
	t.Setenv("DEPLOYWATCH_POLL_INTERVAL", "5s")
	t.Setenv("DEPLOYWATCH_ALLOWED_ORIGINS", "https://dash.example.com, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if got := cfg.PushURL(); got != "wss://paas.example.com/api/v1/ws/deployments" {
		t.Errorf("PushURL = %q", got)
	}
	if last := cfg.AllowedOrigins[len(cfg.AllowedOrigins)-1]; last != "https://dash.example.com" || len(cfg.AllowedOrigins) != 3 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "deploywatch.yaml")
	content := "port: \"7000\"\nbackendWsUrl: ws://push.internal/ws\npollInterval: 10s\nenvironment: production\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEPLOYWATCH_CONFIG", path)
	t.Setenv("DEPLOYWATCH_PORT", "7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7100" {
		t.Errorf("Port = %q, env should win over file", cfg.Port)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s", cfg.PollInterval)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if got := cfg.PushURL(); got != "ws://push.internal/ws" {
		t.Errorf("PushURL = %q", got)
	}
}

func TestLoadRejectsBadInterval(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYWATCH_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable interval")
	}

	t.Setenv("DEPLOYWATCH_POLL_INTERVAL", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative interval")
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPLOYWATCH_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
