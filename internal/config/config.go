// Package config loads the client configuration from YAML and sets up the
// global logger.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all client settings.
type Config struct {
	Feed struct {
		// Endpoint is the matching service's WebSocket URL.
		Endpoint string `yaml:"endpoint"`

		// TLSInsecureSkip disables certificate verification for development
		// hosts.
		TLSInsecureSkip bool `yaml:"tls_insecure_skip"`
	} `yaml:"feed"`

	// DBPath is the location of the client-local settings database.
	DBPath string `yaml:"db_path"`

	// LogLevel is one of zerolog's level names: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Market struct {
		// Host and Name select the default market when nothing is persisted.
		Host string `yaml:"host"`
		Name string `yaml:"name"`
	} `yaml:"market"`
}

// Load reads and parses the YAML config file, applying defaults for optional
// fields.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = "marketview.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Feed.Endpoint == "" {
		return nil, fmt.Errorf("config %s: feed endpoint is required", path)
	}
	return &cfg, nil
}

// SetupLogging configures the global zerolog logger with timestamps and the
// configured level.
func SetupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.Logger = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	return nil
}
