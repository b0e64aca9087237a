package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Docker      DockerConfig    `mapstructure:"docker"`
	Log         LogConfig       `mapstructure:"log"`
	Ports       PortsConfig     `mapstructure:"ports"`
	StopTimeout time.Duration   `mapstructure:"stop_timeout"`
	PullImages  bool            `mapstructure:"pull_images"`
	Manifest    ManifestConfig  `mapstructure:"manifest"`
	Services    []ServiceConfig `mapstructure:"services"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PortsConfig holds host port allocation settings. A zero range lets the
// kernel pick ephemeral ports.
type PortsConfig struct {
	RangeStart  int `mapstructure:"range_start"`
	RangeEnd    int `mapstructure:"range_end"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ManifestConfig controls where the started-stack manifest is written.
// An empty path means stdout.
type ManifestConfig struct {
	Path string `mapstructure:"path"`
}

// ServiceConfig describes one service to start.
type ServiceConfig struct {
	Name        string            `mapstructure:"name"`
	Kind        string            `mapstructure:"kind"`
	Image       string            `mapstructure:"image"`
	Tag         string            `mapstructure:"tag"`
	ZooKeeper   ZooKeeperConfig   `mapstructure:"zookeeper"`
	NetworkMode string            `mapstructure:"network_mode"`
	Env         map[string]string `mapstructure:"env"`
}

// ZooKeeperConfig points a broker at an existing ZooKeeper. Leave it empty
// to have one started next to the broker.
type ZooKeeperConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// External reports whether the ZooKeeper is supplied by the caller.
func (z ZooKeeperConfig) External() bool {
	return z.Host != "" || z.Port != 0
}

// Service kinds.
const (
	KindKafka = "kafka"
)

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ports.range_start", 0)
	v.SetDefault("ports.range_end", 0)
	v.SetDefault("ports.max_attempts", 10)
	v.SetDefault("stop_timeout", "10s")
	v.SetDefault("pull_images", true)
	v.SetDefault("manifest.path", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Services) == 0 {
		cfg.Services = []ServiceConfig{{Kind: KindKafka}}
	}
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.Kind == "" {
			svc.Kind = KindKafka
		}
		// viper lower-cases keys; container variables are upper case
		if len(svc.Env) > 0 {
			env := make(map[string]string, len(svc.Env))
			for k, v := range svc.Env {
				env[strings.ToUpper(k)] = v
			}
			svc.Env = env
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the stack cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Ports.RangeStart != 0 || c.Ports.RangeEnd != 0 {
		if !domain.ValidPort(c.Ports.RangeStart) || !domain.ValidPort(c.Ports.RangeEnd) || c.Ports.RangeEnd < c.Ports.RangeStart {
			errs = append(errs, fmt.Errorf("ports: invalid range %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd))
		}
	}
	if c.Ports.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("ports.max_attempts: must not be negative"))
	}

	names := make(map[string]bool)
	for i, svc := range c.Services {
		if svc.Kind != KindKafka {
			errs = append(errs, fmt.Errorf("services[%d]: unknown kind %q", i, svc.Kind))
		}
		if svc.Name != "" {
			if !domain.ValidName(svc.Name) {
				errs = append(errs, fmt.Errorf("services[%d]: %q: %w", i, svc.Name, domain.ErrInvalidName))
			}
			if names[svc.Name] {
				errs = append(errs, fmt.Errorf("services[%d]: duplicate name %q", i, svc.Name))
			}
			names[svc.Name] = true
		}
		if svc.ZooKeeper.External() {
			if svc.ZooKeeper.Host == "" {
				errs = append(errs, fmt.Errorf("services[%d]: zookeeper.host is required with zookeeper.port", i))
			}
			if !domain.ValidPort(svc.ZooKeeper.Port) {
				errs = append(errs, fmt.Errorf("services[%d]: zookeeper.port %d out of range", i, svc.ZooKeeper.Port))
			}
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to stderr so the manifest can be piped from stdout.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
