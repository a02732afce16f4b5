package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Session algorithm names accepted in the algorithm key.
const (
	AlgorithmDH    = "dh"
	AlgorithmPlain = "plain"
)

const (
	DefaultCollection  = "default"
	DefaultServiceName = "gsecret"
	DefaultCallTimeout = 25 * time.Second
	DefaultLogLevel    = "warn"
)

// Config holds settings loaded from ~/.gsecret/config.yaml.
type Config struct {
	// BusAddress overrides DBUS_SESSION_BUS_ADDRESS when set.
	BusAddress  string        `yaml:"bus_address"`
	Algorithm   string        `yaml:"algorithm"`
	Collection  string        `yaml:"collection"`
	ServiceName string        `yaml:"service_name"`
	AuditLog    string        `yaml:"audit_log"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	LogLevel    string        `yaml:"log_level"`
}

// DefaultPath returns the default config file path: ~/.gsecret/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gsecret", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file from path. A missing, empty or all-comment
// file yields the defaults. Unset keys take their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmDH
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

func (c *Config) validate() error {
	switch c.Algorithm {
	case AlgorithmDH, AlgorithmPlain:
	default:
		return fmt.Errorf("algorithm %q: want %q or %q", c.Algorithm, AlgorithmDH, AlgorithmPlain)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout %s is negative", c.CallTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel as a slog level name such as "debug" or "warn".
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
