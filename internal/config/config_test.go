package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadPartialOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  allowed_origins:
    - http://dashboard.local:3000
events:
  capacity: 50
hub:
  ping_interval: 5s
tap:
  session_header: X-Session
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default", cfg.Server.Host)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://dashboard.local:3000" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Events.Capacity != 50 {
		t.Errorf("Events.Capacity = %d, want 50", cfg.Events.Capacity)
	}
	if cfg.Hub.PingInterval != 5*time.Second {
		t.Errorf("Hub.PingInterval = %v, want 5s", cfg.Hub.PingInterval)
	}
	if cfg.Hub.WriteTimeout != 10*time.Second {
		t.Errorf("Hub.WriteTimeout = %v, want default 10s", cfg.Hub.WriteTimeout)
	}
	if cfg.Tap.SessionHeader != "X-Session" || cfg.Tap.UnknownSession != "unknown" {
		t.Errorf("Tap = %+v", cfg.Tap)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Events.Capacity != 1000 || cfg.Server.Port != 8080 {
		t.Errorf("got %+v, want defaults", cfg)
	}
}

func TestLoadOrDefaultBadYAML(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	if _, err := LoadOrDefault(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ZeroCapacity", func(c *Config) { c.Events.Capacity = 0 }},
		{"NegativeMaxConnections", func(c *Config) { c.Hub.MaxConnections = -1 }},
		{"ZeroSendBuffer", func(c *Config) { c.Hub.SendBuffer = 0 }},
		{"ZeroPing", func(c *Config) { c.Hub.PingInterval = 0 }},
		{"EmptySessionHeader", func(c *Config) { c.Tap.SessionHeader = "" }},
		{"EmptyUnknownSession", func(c *Config) { c.Tap.UnknownSession = "" }},
		{"ZeroMaxBody", func(c *Config) { c.Tap.MaxBodyBytes = 0 }},
		{"PortOutOfRange", func(c *Config) { c.Server.Port = 70000 }},
		{"MockWithoutPath", func(c *Config) { c.Mock.Enabled = true; c.Mock.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "events:\n  capacity: -5\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() = %v, want ErrInvalid", err)
	}
}

func TestAddr(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Port = 0
	if got := cfg.Addr(); got != "127.0.0.1:0" {
		t.Errorf("Addr() = %q", got)
	}
}
