package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrmon/internal/bledb"
	"github.com/srg/hrmon/pkg/forward"
	"github.com/srg/hrmon/pkg/sample"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string           `yaml:"log_level" json:"log_level" default:"info"`
	OutputFormat string           `yaml:"output_format" json:"output_format" default:"text"` // text, json
	Scan         ScanConfig       `yaml:"scan" json:"scan"`
	Connection   ConnectionConfig `yaml:"connection" json:"connection"`
	Forward      ForwardConfig    `yaml:"forward" json:"forward"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout  time.Duration `yaml:"timeout" json:"timeout" default:"10s"`
	Services []string      `yaml:"services" json:"services"`
}

// ConnectionConfig holds connection state machine settings.
type ConnectionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" json:"discovery_timeout" default:"15s"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout" json:"subscribe_timeout" default:"10s"`
	Service          string        `yaml:"service" json:"service" default:"180d"` // empty searches every service
	Characteristic   string        `yaml:"characteristic" json:"characteristic" default:"2a37"`
	Encoding         string        `yaml:"encoding" json:"encoding" default:"auto"`
}

// ForwardConfig holds consumer-side sample forwarding settings.
type ForwardConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval" default:"50ms"`
	Mode     string        `yaml:"mode" json:"mode" default:"batched"` // batched, latest
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hrmon", "config.yaml")
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. Missing fields keep their default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	switch c.OutputFormat {
	case "text", "json":
	default:
		return fmt.Errorf("output_format must be \"text\" or \"json\", got %q", c.OutputFormat)
	}

	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must be >= 0, got %s", c.Scan.Timeout)
	}
	for _, s := range c.Scan.Services {
		if _, err := bledb.ParseAttributeID(s); err != nil {
			return fmt.Errorf("scan.services: %w", err)
		}
	}

	for name, d := range map[string]time.Duration{
		"connection.connect_timeout":   c.Connection.ConnectTimeout,
		"connection.discovery_timeout": c.Connection.DiscoveryTimeout,
		"connection.subscribe_timeout": c.Connection.SubscribeTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", name, d)
		}
	}
	if c.Connection.Service != "" {
		if _, err := bledb.ParseAttributeID(c.Connection.Service); err != nil {
			return fmt.Errorf("connection.service: %w", err)
		}
	}
	if _, err := bledb.ParseAttributeID(c.Connection.Characteristic); err != nil {
		return fmt.Errorf("connection.characteristic: %w", err)
	}
	if _, err := sample.ParseEncoding(c.Connection.Encoding); err != nil {
		return fmt.Errorf("connection.encoding: %w", err)
	}

	if c.Forward.Interval <= 0 {
		return fmt.Errorf("forward.interval must be > 0, got %s", c.Forward.Interval)
	}
	if _, err := forward.ParseMode(c.Forward.Mode); err != nil {
		return fmt.Errorf("forward.mode: %w", err)
	}

	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		return logrus.ParseLevel(c.LogLevel)
	default:
		return logrus.PanicLevel, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
