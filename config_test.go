package goAuthClient

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := DefaultConfig()
	cfg.API.BaseURL = "https://api.example.com"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{name: "defaults with base url", mutate: func(*Config) {}, wantValid: true},
		{
			name:      "base url missing",
			mutate:    func(c *Config) { c.API.BaseURL = "  " },
			wantValid: false,
		},
		{
			name:      "base url relative",
			mutate:    func(c *Config) { c.API.BaseURL = "/api" },
			wantValid: false,
		},
		{
			name:      "base url unsupported scheme",
			mutate:    func(c *Config) { c.API.BaseURL = "ftp://api.example.com" },
			wantValid: false,
		},
		{
			name:      "api timeout zero",
			mutate:    func(c *Config) { c.API.Timeout = 0 },
			wantValid: false,
		},
		{
			name:      "path without slash",
			mutate:    func(c *Config) { c.API.Paths.Refresh = "auth/refresh" },
			wantValid: false,
		},
		{
			name:      "custom paths",
			mutate:    func(c *Config) { c.API.Paths.Me = "/v2/users/me" },
			wantValid: true,
		},
		{
			name:      "blank deactivation marker",
			mutate:    func(c *Config) { c.API.DeactivationMarkers = []string{"desactivada", " "} },
			wantValid: false,
		},
		{
			name:      "negative skew",
			mutate:    func(c *Config) { c.Session.ExpirySkew = -time.Second },
			wantValid: false,
		},
		{
			name:      "zero skew",
			mutate:    func(c *Config) { c.Session.ExpirySkew = 0 },
			wantValid: true,
		},
		{
			name:      "refresh timeout zero",
			mutate:    func(c *Config) { c.Refresh.Timeout = 0 },
			wantValid: false,
		},
		{
			name:      "bootstrap timeout zero",
			mutate:    func(c *Config) { c.Bootstrap.Timeout = 0 },
			wantValid: false,
		},
		{
			name:      "stale checks disabled",
			mutate:    func(c *Config) { c.Bootstrap.MaxStaleChecks = 0 },
			wantValid: true,
		},
		{
			name:      "stale checks too large",
			mutate:    func(c *Config) { c.Bootstrap.MaxStaleChecks = 256 },
			wantValid: false,
		},
		{
			name:      "logout notify without timeout",
			mutate:    func(c *Config) { c.Logout.NotifyTimeout = 0 },
			wantValid: false,
		},
		{
			name: "logout notify disabled without timeout",
			mutate: func(c *Config) {
				c.Logout.NotifyBackend = false
				c.Logout.NotifyTimeout = 0
			},
			wantValid: true,
		},
		{
			name:      "namespace empty",
			mutate:    func(c *Config) { c.Persistence.Namespace = "" },
			wantValid: false,
		},
		{
			name:      "redis ttl negative",
			mutate:    func(c *Config) { c.Persistence.RedisTTL = -time.Minute },
			wantValid: false,
		},
		{
			name:      "watch without file",
			mutate:    func(c *Config) { c.Persistence.WatchFile = true },
			wantValid: false,
		},
		{
			name:      "audit buffer zero",
			mutate:    func(c *Config) { c.Audit.Enabled = true; c.Audit.BufferSize = 0 },
			wantValid: false,
		},
		{
			name:      "log level valid",
			mutate:    func(c *Config) { c.Logging.Level = "debug" },
			wantValid: true,
		},
		{
			name:      "log level invalid",
			mutate:    func(c *Config) { c.Logging.Level = "loud" },
			wantValid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected invalid config, got nil")
			}
		})
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected missing base url to fail")
	}

	b := New().WithBaseURL("https://api.example.com")
	if _, err := b.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected a builder to be single use")
	}
}

func TestBuilderDoesNotShareConfig(t *testing.T) {
	cfg := validTestConfig()
	c, err := New().WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	cfg.API.DeactivationMarkers[0] = "changed"
	if c.cfg.API.DeactivationMarkers[0] == "changed" {
		t.Fatal("controller config must be a copy")
	}
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authclient.yaml")
	yaml := `
api:
  base_url: https://file.example.com
  timeout: 7s
  paths:
    me: /v2/me
session:
  expiry_skew: 45s
bootstrap:
  max_stale_checks: 5
persistence:
  namespace: desktop
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AUTHCLIENT_API_BASE_URL", "https://env.example.com")
	t.Setenv("AUTHCLIENT_REFRESH_PROACTIVE", "false")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.com" {
		t.Fatalf("env must override file, got %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 7*time.Second || cfg.Session.ExpirySkew != 45*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.API.Timeout, cfg.Session.ExpirySkew)
	}
	if cfg.API.Paths.Me != "/v2/me" || cfg.API.Paths.Login != "/auth/login" {
		t.Fatalf("unexpected paths %+v", cfg.API.Paths)
	}
	if cfg.Bootstrap.MaxStaleChecks != 5 || cfg.Persistence.Namespace != "desktop" {
		t.Fatalf("unexpected file values %+v %+v", cfg.Bootstrap, cfg.Persistence)
	}
	if cfg.Refresh.Proactive {
		t.Fatal("expected env to disable proactive refresh")
	}
	if cfg.Refresh.Timeout != DefaultConfig().Refresh.Timeout {
		t.Fatalf("expected default refresh timeout, got %v", cfg.Refresh.Timeout)
	}
}

func TestLoadConfigValidates(t *testing.T) {
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected missing base url to fail validation")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected a missing file to fail")
	}
}
