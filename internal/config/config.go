// Package config loads the application settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const appDir = "protodesk"

// Config is the on-disk application configuration
type Config struct {
	DataDir         string        `yaml:"data_dir"`
	LogLevel        string        `yaml:"log_level"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PersistDebounce time.Duration `yaml:"persist_debounce"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	Defaults        Defaults      `yaml:"defaults"`
	Stream          Stream        `yaml:"stream"`
}

// Defaults are the addresses new projects start with
type Defaults struct {
	GRPCAddress   string `yaml:"grpc_address"`
	ThriftAddress string `yaml:"thrift_address"`
	KafkaAddress  string `yaml:"kafka_address"`
}

type Stream struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Default returns the configuration used when no file exists
func Default() Config {
	dataDir := ""
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, appDir)
	}
	return Config{
		DataDir:         dataDir,
		LogLevel:        "info",
		RequestTimeout:  0,
		PersistDebounce: 3 * time.Second,
		Defaults: Defaults{
			GRPCAddress:   "0.0.0.0:50051",
			ThriftAddress: "0.0.0.0:9090",
			KafkaAddress:  "0.0.0.0:9092",
		},
		Stream: Stream{DialTimeout: 10 * time.Second},
	}
}

// Path returns the default config file location
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's config directory: %w", err)
	}
	return filepath.Join(dir, appDir, "config.yaml"), nil
}

// Load reads path on top of Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout))
	}
	if c.PersistDebounce < 0 {
		errs = append(errs, fmt.Errorf("persist_debounce must not be negative, got %s", c.PersistDebounce))
	}
	if c.Stream.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("stream.dial_timeout must not be negative, got %s", c.Stream.DialTimeout))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
