// Package config loads the flowdir configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable overriding the configuration file
// location.
const EnvVar = "FLOWDIR_CONFIG"

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "flowdir.yaml"

// Config is the content of flowdir.yaml.
type Config struct {
	// Path is the storage root.
	Path string `yaml:"path"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// LogFile, when set, receives the logs with rotation instead of stderr.
	LogFile string `yaml:"log_file,omitempty"`
	// Watch evicts cached files on external modification.
	Watch bool `yaml:"watch"`

	Journal Journal `yaml:"journal"`
}

// Journal configures git snapshots of the storage root.
type Journal struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Path:     "./data",
		LogLevel: "info",
		Journal:  Journal{Name: "flowdir", Email: "flowdir@localhost"},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Journal.Enabled && (c.Journal.Name == "" || c.Journal.Email == "") {
		return errors.New("journal: name and email are required when enabled")
	}
	return nil
}

// ParseLevel converts a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Path returns the configuration file to load: file if set, else $FLOWDIR_CONFIG,
// else DefaultFile.
func Path(file string) string {
	if file != "" {
		return file
	}
	if v := os.Getenv(EnvVar); v != "" {
		return v
	}
	return DefaultFile
}

// Load reads the configuration at path on top of the defaults. A missing file
// yields the defaults unless required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the operator
	if err != nil {
		if !os.IsNotExist(err) || required {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}
