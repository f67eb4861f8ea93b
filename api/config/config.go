package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string        `yaml:"port"`
	BindAddr       string        `yaml:"bindAddr"`
	BackendURL     string        `yaml:"backendUrl"`   // REST backend serving deployment snapshots
	BackendWSURL   string        `yaml:"backendWsUrl"` // push endpoint; derived from BackendURL when empty
	PollInterval   time.Duration `yaml:"pollInterval"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	UIDir          string        `yaml:"uiDir"`
	Environment    string        `yaml:"environment"`
	LogLevel       string        `yaml:"logLevel"`
}

func defaults() *Config {
	return &Config{
		Port:           "8810",
		BindAddr:       "",
		BackendURL:     "http://localhost:8000",
		PollInterval:   3 * time.Second,
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		Environment:    "development",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// DEPLOYWATCH_CONFIG if set, then DEPLOYWATCH_* environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("DEPLOYWATCH_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = envOr("DEPLOYWATCH_PORT", cfg.Port)
	cfg.BindAddr = envOr("DEPLOYWATCH_BIND_ADDR", cfg.BindAddr)
	cfg.BackendURL = envOr("DEPLOYWATCH_URL", cfg.BackendURL)
	cfg.BackendWSURL = envOr("DEPLOYWATCH_WS_URL", cfg.BackendWSURL)
	cfg.UIDir = envOr("DEPLOYWATCH_UI_DIR", cfg.UIDir)
	cfg.Environment = envOr("DEPLOYWATCH_ENV", cfg.Environment)
	cfg.LogLevel = envOr("DEPLOYWATCH_LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("DEPLOYWATCH_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DEPLOYWATCH_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	// Extra origins add to the localhost defaults.
	for _, o := range strings.Split(os.Getenv("DEPLOYWATCH_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// PushURL is the backend push endpoint.
func (c *Config) PushURL() string {
	if c.BackendWSURL != "" {
		return c.BackendWSURL
	}
	base := strings.TrimRight(c.BackendURL, "/")
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/api/v1/ws/deployments"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
