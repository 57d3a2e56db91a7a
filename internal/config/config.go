package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Environment overrides for the backend section.
const (
	EnvBackendURL = "WPWEB_BACKEND_URL"
	EnvBackendKey = "WPWEB_BACKEND_KEY"
)

// Config represents the global ~/.wpweb/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile" validate:"omitempty,max=64"`
	Backend        Backend `toml:"backend"`
	Log            Log     `toml:"log"`
	Metrics        Metrics `toml:"metrics"`
}

// Backend holds connection settings for the hosted backend.
type Backend struct {
	URL               string   `toml:"url" validate:"omitempty,url"`
	APIKey            string   `toml:"api_key"`
	Bucket            string   `toml:"bucket" validate:"required"`
	RequestTimeout    Duration `toml:"request_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second" validate:"gte=0"`
}

// Configured reports whether both the URL and key are present.
func (b Backend) Configured() bool {
	return b.URL != "" && b.APIKey != ""
}

// Log controls the daemon log file.
type Log struct {
	Level      string `toml:"level" validate:"oneof=debug info warn error"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
}

// Metrics controls the daemon's HTTP endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `toml:"addr" validate:"omitempty,hostname_port"`
}

// Duration is a time.Duration that reads and writes as a TOML string ("15s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Backend: Backend{
			Bucket:            "attachments",
			RequestTimeout:    Duration{15 * time.Second},
			RequestsPerSecond: 20,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads config from the given path on top of the defaults. A missing
// file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv(EnvBackendKey); v != "" {
		c.Backend.APIKey = v
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
