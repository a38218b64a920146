// Package config loads and validates service configuration from an optional
// YAML file, environment overrides, and built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Workers WorkersConfig `yaml:"workers"`
	Model   ModelConfig   `yaml:"model"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkersConfig controls the process model and request dispatch.
// Count 0 serves in-process without forking workers.
type WorkersConfig struct {
	Count          int           `yaml:"count"`
	Threads        int           `yaml:"threads"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ModelConfig selects the embedding model and backend.
type ModelConfig struct {
	Name         string `yaml:"name"`
	Backend      string `yaml:"backend"` // onnx, hash
	Dir          string `yaml:"dir"`
	MaxTextBytes int    `yaml:"max_text_bytes"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	Warmup       bool   `yaml:"warmup"`
}

// CacheConfig controls the embedding memo cache.
type CacheConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	MaxMegabytes int    `yaml:"max_megabytes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    200 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Workers: WorkersConfig{
			Count:          2,
			Threads:        4,
			RequestTimeout: 180 * time.Second,
		},
		Model: ModelConfig{
			Name:         "all-MiniLM-L6-v2",
			Backend:      "onnx",
			MaxTextBytes: 32 * 1024,
			MaxBatchSize: 64,
			Warmup:       true,
		},
		Cache: CacheConfig{
			Enabled:      true,
			MaxMegabytes: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment overrides. Environment variables in
// the format ${VAR_NAME} are expanded inside the file before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides fields from well-known environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("MINIVEC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MINIVEC_WORKERS: %w", err)
		}
		c.Workers.Count = n
	}
	if v := os.Getenv("MINIVEC_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MINIVEC_THREADS: %w", err)
		}
		c.Workers.Threads = n
	}
	if v := os.Getenv("MINIVEC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse MINIVEC_TIMEOUT: %w", err)
		}
		c.Workers.RequestTimeout = d
	}
	if v := os.Getenv("MINIVEC_MODEL_DIR"); v != "" {
		c.Model.Dir = v
	}
	if v := os.Getenv("MINIVEC_BACKEND"); v != "" {
		c.Model.Backend = v
	}
	if v := os.Getenv("MINIVEC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count cannot be negative")
	}
	if c.Workers.Threads < 1 {
		return fmt.Errorf("workers.threads must be at least 1")
	}
	if c.Workers.RequestTimeout <= 0 {
		return fmt.Errorf("workers.request_timeout must be positive")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Workers.RequestTimeout {
		return fmt.Errorf("server.write_timeout (%s) must exceed workers.request_timeout (%s)",
			c.Server.WriteTimeout, c.Workers.RequestTimeout)
	}

	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	switch c.Model.Backend {
	case "onnx", "hash":
	default:
		return fmt.Errorf("unknown model.backend %q (want onnx or hash)", c.Model.Backend)
	}
	if c.Model.MaxTextBytes < 1 {
		return fmt.Errorf("model.max_text_bytes must be at least 1")
	}
	if c.Model.MaxBatchSize < 1 {
		return fmt.Errorf("model.max_batch_size must be at least 1")
	}

	if c.Cache.MaxMegabytes < 0 {
		return fmt.Errorf("cache.max_megabytes cannot be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		return fmt.Errorf("metrics.path must start with / when metrics are enabled")
	}

	return nil
}

// SlogLevel maps the configured level string to a slog.Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EffectivePath returns the cache file path, defaulting to
// ~/.minivec/cache/embeddings.db when unset. The parent directory is not
// created here; the caller does that at open time.
func (c CacheConfig) EffectivePath() (string, error) {
	if c.Path != "" {
		return c.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(home, ".minivec", "cache", "embeddings.db"), nil
}
