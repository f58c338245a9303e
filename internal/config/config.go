// Package config handles configuration loading and validation for a
// replicastore pool.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/replicastore/replicastore/pkg/bytesize"
)

// Metadata backends.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// MetadataConfig selects where replica records are persisted.
type MetadataConfig struct {
	Backend string `yaml:"backend"` // "file" (one JSON file per replica) or "bolt"
	Dir     string `yaml:"dir"`     // default: <data_dir>/meta
}

// SweeperConfig holds configuration for the space sweeper.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Margin   bytesize.Size `yaml:"margin"`   // Free space kept even without waiting writers
	Interval time.Duration `yaml:"interval"` // Sweep interval when nothing changes (default: 1m)
}

// NamespaceConfig holds the retry policy of namespace notifications.
type NamespaceConfig struct {
	Retries        int           `yaml:"retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Listen   string        `yaml:"listen"` // e.g. ":9100"; empty disables the endpoint
	Interval time.Duration `yaml:"interval"`
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`            // e.g. "http://loki:3100"
	BatchSize     int           `yaml:"batch_size"`     // default: 100
	FlushInterval time.Duration `yaml:"flush_interval"` // default: 5s
}

// PoolConfig holds the configuration of one pool.
type PoolConfig struct {
	Name    string         `yaml:"name"`
	DataDir string         `yaml:"data_dir"` // Data files live in <data_dir>/data
	Meta    MetadataConfig `yaml:"metadata"`

	MaxDiskSpace            bytesize.Size `yaml:"max_disk_space"` // 0 or "inf": the whole volume
	Gap                     bytesize.Size `yaml:"gap"`
	Volatile                bool          `yaml:"volatile"`
	SynchronousNotification bool          `yaml:"synchronous_notification"`
	DefaultStickyLifetime   time.Duration `yaml:"default_sticky_lifetime"`
	LoadConcurrency         int           `yaml:"load_concurrency"`

	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Namespace NamespaceConfig `yaml:"namespace"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Loki      LokiConfig      `yaml:"loki"`
	LogLevel  string          `yaml:"log_level"`
	// Audit logs every replica change and eviction.
	Audit bool `yaml:"audit"`
}

// DefaultPoolConfig returns a configuration with all defaults applied.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Meta:            MetadataConfig{Backend: BackendFile},
		LoadConcurrency: 8,
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Namespace: NamespaceConfig{
			Retries:        5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Timeout:        30 * time.Second,
		},
		Metrics:  MetricsConfig{Interval: 15 * time.Second},
		LogLevel: "info",
	}
}

// LoadPoolConfig loads pool configuration from a YAML file.
func LoadPoolConfig(path string) (*PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParsePoolConfig(data)
}

// ParsePoolConfig parses YAML pool configuration. Keys that are absent keep
// their defaults.
func ParsePoolConfig(data []byte) (*PoolConfig, error) {
	cfg := DefaultPoolConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Expand home directory in paths
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Meta.Dir = expandHome(cfg.Meta.Dir)

	if cfg.Meta.Backend == "" {
		cfg.Meta.Backend = BackendFile
	}
	if cfg.Meta.Dir == "" && cfg.DataDir != "" {
		cfg.Meta.Dir = filepath.Join(cfg.DataDir, "meta")
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = time.Minute
	}
	if cfg.Metrics.Interval == 0 {
		cfg.Metrics.Interval = 15 * time.Second
	}
	return cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// DataPath returns the directory holding the replica data files.
func (c *PoolConfig) DataPath() string {
	return filepath.Join(c.DataDir, "data")
}

// Level returns the configured log level.
func (c *PoolConfig) Level() (zerolog.Level, error) {
	return zerolog.ParseLevel(c.LogLevel)
}

// Validate checks if the pool configuration is valid.
func (c *PoolConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	switch c.Meta.Backend {
	case BackendFile, BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("metadata.backend must be %q or %q, got %q", BackendFile, BackendBolt, c.Meta.Backend))
	}
	if c.DefaultStickyLifetime < 0 {
		errs = append(errs, fmt.Errorf("default_sticky_lifetime must not be negative"))
	}
	if c.LoadConcurrency < 1 {
		errs = append(errs, fmt.Errorf("load_concurrency must be at least 1"))
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval must be positive"))
	}
	if c.Namespace.Retries < 0 {
		errs = append(errs, fmt.Errorf("namespace.retries must not be negative"))
	}
	if c.Namespace.InitialBackoff > c.Namespace.MaxBackoff {
		errs = append(errs, fmt.Errorf("namespace.initial_backoff must not exceed namespace.max_backoff"))
	}
	if c.Loki.Enabled && c.Loki.URL == "" {
		errs = append(errs, fmt.Errorf("loki.url is required when loki is enabled"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level: %w", err))
	}
	return errors.Join(errs...)
}
