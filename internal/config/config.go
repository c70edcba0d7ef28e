package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server ServerConfig `yaml:"server"`
	Events EventsConfig `yaml:"events"`
	Hub    HubConfig    `yaml:"hub"`
	Tap    TapConfig    `yaml:"tap"`
	Mock   MockConfig   `yaml:"mock"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type EventsConfig struct {
	// Capacity is the number of events retained per session.
	Capacity int `yaml:"capacity"`
}

type HubConfig struct {
	// MaxConnections caps concurrent observers. Zero means unlimited.
	MaxConnections int           `yaml:"max_connections"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type TapConfig struct {
	SessionHeader   string `yaml:"session_header"`
	UnknownSession  string `yaml:"unknown_session"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	HealthThreshold int    `yaml:"health_threshold"`
}

// MockConfig controls the built-in demo protocol server.
type MockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	TaskStep time.Duration `yaml:"task_step"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Events: EventsConfig{
			Capacity: 1000,
		},
		Hub: HubConfig{
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Tap: TapConfig{
			SessionHeader:   "Mcp-Session-Id",
			UnknownSession:  "unknown",
			MaxBodyBytes:    4 << 20,
			HealthThreshold: 3,
		},
		Mock: MockConfig{
			Path:     "/mcp",
			TaskStep: 500 * time.Millisecond,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist. Any other error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	case c.Events.Capacity <= 0:
		return fmt.Errorf("%w: events.capacity must be positive, got %d", ErrInvalid, c.Events.Capacity)
	case c.Hub.MaxConnections < 0:
		return fmt.Errorf("%w: hub.max_connections must not be negative", ErrInvalid)
	case c.Hub.SendBuffer <= 0:
		return fmt.Errorf("%w: hub.send_buffer must be positive", ErrInvalid)
	case c.Hub.WriteTimeout <= 0:
		return fmt.Errorf("%w: hub.write_timeout must be positive", ErrInvalid)
	case c.Hub.PingInterval <= 0:
		return fmt.Errorf("%w: hub.ping_interval must be positive", ErrInvalid)
	case c.Tap.SessionHeader == "":
		return fmt.Errorf("%w: tap.session_header is empty", ErrInvalid)
	case c.Tap.UnknownSession == "":
		return fmt.Errorf("%w: tap.unknown_session is empty", ErrInvalid)
	case c.Tap.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: tap.max_body_bytes must be positive", ErrInvalid)
	case c.Tap.HealthThreshold <= 0:
		return fmt.Errorf("%w: tap.health_threshold must be positive", ErrInvalid)
	case c.Mock.Enabled && c.Mock.Path == "":
		return fmt.Errorf("%w: mock.path is empty", ErrInvalid)
	case c.Mock.Enabled && c.Mock.TaskStep < 0:
		return fmt.Errorf("%w: mock.task_step must not be negative", ErrInvalid)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
