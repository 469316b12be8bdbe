package livepatch

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration, loadable from YAML.
type Config struct {
	MaxViews        int           `yaml:"max_views" validate:"gte=0"`
	ViewTTL         time.Duration `yaml:"view_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxMemoryMB     int           `yaml:"max_memory_mb" validate:"gte=0"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// TokenTTL bounds how long a resume token stays valid.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// PendingTimeout is the client-side wait before a missing server
	// response flips the disconnected state.
	PendingTimeout time.Duration `yaml:"pending_timeout"`

	Session SessionConfig `yaml:"session"`
}

// SessionConfig selects and configures the session store.
type SessionConfig struct {
	Store    string        `yaml:"store" validate:"oneof=memory bolt"`
	BoltPath string        `yaml:"bolt_path" validate:"required_if=Store bolt"`
	TTL      time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		MaxViews:        1000,
		ViewTTL:         time.Hour,
		CleanupInterval: 5 * time.Minute,
		MaxMemoryMB:     100,
		MetricsEnabled:  true,
		TokenTTL:        24 * time.Hour,
		PendingTimeout:  10 * time.Second,
		Session: SessionConfig{
			Store: "memory",
			TTL:   24 * time.Hour,
		},
	}
}

// LoadConfig reads and validates a YAML config file. Fields left unset
// fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct-level constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
