// Package config loads service configuration from environment variables
// (NOXLIC_ prefix) layered over an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete license-server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Tracing  TracingConfig  `yaml:"tracing" envconfig:"TRACING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// RedisConfig locates the key-value backend holding license records.
type RedisConfig struct {
	URL string `yaml:"url" envconfig:"URL" default:"redis://localhost:6379"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
}

// SecurityConfig holds the admin credential and rate limiting knobs.
type SecurityConfig struct {
	// AdminAPIKey guards the revoke/extend endpoints. Empty disables them.
	AdminAPIKey string          `yaml:"admin_api_key" envconfig:"ADMIN_API_KEY"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"25"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED" default:"false"`
}

// Load reads the optional YAML file named by NOXLIC_CONFIG (default
// config.yaml if present), then overlays environment variables, which win.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("NOXLIC_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("NOXLIC", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive")
	}
	return nil
}
