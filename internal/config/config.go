// Package config provides the process configuration for trendbridge.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Archive backends for exported partition files.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// Config holds the configuration of a trendbridge process.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Database configuration for the primary (live) database
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Storage configuration for partition files and their archive
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Ingest configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Rollover configuration
	Rollover RolloverConfig `json:"rollover" yaml:"rollover"`

	// Retry configuration for lock contention
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DatabaseConfig holds primary database settings.
type DatabaseConfig struct {
	// Path is the primary SQLite file. Defaults to <data_dir>/trendbridge.db
	Path string `json:"path" yaml:"path"`

	// BusyTimeout is handed to SQLite as _busy_timeout
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// ReadPoolSize is the number of reader connections
	ReadPoolSize int `json:"read_pool_size" yaml:"read_pool_size"`
}

// StorageConfig holds partition file and archive configuration.
type StorageConfig struct {
	// PartitionDir is where trendlog_<identifier>.db files live
	PartitionDir string `json:"partition_dir" yaml:"partition_dir"`

	// ArchiveType is none, local or s3
	ArchiveType string `json:"archive_type" yaml:"archive_type"`

	// ArchivePath is the local archive root (for local type)
	ArchivePath string `json:"archive_path" yaml:"archive_path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	// CacheMaxEntries bounds the parent key cache
	CacheMaxEntries int `json:"cache_max_entries" yaml:"cache_max_entries"`

	// MaxBatchSize rejects larger HTTP ingestion batches
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`
}

// QueryConfig holds federated query settings.
type QueryConfig struct {
	// Timeout bounds a whole federated query
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// StatsWindow is how long filter and partition usage is remembered
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window"`
}

// RolloverConfig holds partition rollover settings.
type RolloverConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CheckInterval is the interval between rollover checks
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// Timezone is the IANA location used for period boundaries and logging_time_fmt
	Timezone string `json:"timezone" yaml:"timezone"`
}

// RetryConfig controls retry of transactions that hit a locked database.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/trendbridge",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			BusyTimeout:  5 * time.Second,
			ReadPoolSize: 4,
		},
		Storage: StorageConfig{
			ArchiveType: ArchiveNone,
		},
		Ingest: IngestConfig{
			CacheMaxEntries: 10000,
			MaxBatchSize:    5000,
		},
		Query: QueryConfig{
			Timeout:     30 * time.Second,
			StatsWindow: time.Hour,
		},
		Rollover: RolloverConfig{
			Enabled:       true,
			CheckInterval: time.Minute,
			Timezone:      "Local",
		},
		Retry: RetryConfig{
			MaxAttempts: 6,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/trendbridge"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "trendbridge.db")
	}
	if c.Storage.PartitionDir == "" {
		c.Storage.PartitionDir = filepath.Join(c.DataDir, "partitions")
	}
	if c.Storage.ArchiveType == "" {
		c.Storage.ArchiveType = ArchiveNone
	}
	if c.Storage.ArchiveType == ArchiveLocal && c.Storage.ArchivePath == "" {
		c.Storage.ArchivePath = filepath.Join(c.DataDir, "archive")
	}
	if c.Rollover.Timezone == "" {
		c.Rollover.Timezone = "Local"
	}
}

// Location returns the time zone used for partition boundaries.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Rollover.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid rollover.timezone %q: %w", c.Rollover.Timezone, err)
	}
	return loc, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Storage.ArchiveType {
	case ArchiveNone, ArchiveLocal, ArchiveS3:
	default:
		return fmt.Errorf("invalid storage.archive_type: %s (must be none, local, or s3)", c.Storage.ArchiveType)
	}

	if c.Storage.ArchiveType == ArchiveS3 && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when archive_type is s3")
	}

	if c.Database.ReadPoolSize < 1 {
		return fmt.Errorf("database.read_pool_size must be at least 1, got %d", c.Database.ReadPoolSize)
	}

	if c.Ingest.CacheMaxEntries < 1 {
		return fmt.Errorf("ingest.cache_max_entries must be at least 1, got %d", c.Ingest.CacheMaxEntries)
	}

	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}

	if c.Rollover.Enabled && c.Rollover.CheckInterval <= 0 {
		return fmt.Errorf("rollover.check_interval must be positive when rollover is enabled")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TRENDBRIDGE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TRENDBRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRENDBRIDGE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Database configuration
	if v := os.Getenv("TRENDBRIDGE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	envDuration("TRENDBRIDGE_DB_BUSY_TIMEOUT", &cfg.Database.BusyTimeout)
	envInt("TRENDBRIDGE_DB_READ_POOL_SIZE", &cfg.Database.ReadPoolSize)

	// Storage configuration
	if v := os.Getenv("TRENDBRIDGE_PARTITION_DIR"); v != "" {
		cfg.Storage.PartitionDir = v
	}
	if v := os.Getenv("TRENDBRIDGE_ARCHIVE_TYPE"); v != "" {
		cfg.Storage.ArchiveType = v
	}
	if v := os.Getenv("TRENDBRIDGE_ARCHIVE_PATH"); v != "" {
		cfg.Storage.ArchivePath = v
	}
	if v := os.Getenv("TRENDBRIDGE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TRENDBRIDGE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TRENDBRIDGE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	envBool("TRENDBRIDGE_S3_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)

	// Ingest and query configuration
	envInt("TRENDBRIDGE_CACHE_MAX_ENTRIES", &cfg.Ingest.CacheMaxEntries)
	envInt("TRENDBRIDGE_INGEST_MAX_BATCH_SIZE", &cfg.Ingest.MaxBatchSize)
	envDuration("TRENDBRIDGE_QUERY_TIMEOUT", &cfg.Query.Timeout)
	envDuration("TRENDBRIDGE_QUERY_STATS_WINDOW", &cfg.Query.StatsWindow)

	// Rollover configuration
	envBool("TRENDBRIDGE_ROLLOVER_ENABLED", &cfg.Rollover.Enabled)
	envDuration("TRENDBRIDGE_ROLLOVER_CHECK_INTERVAL", &cfg.Rollover.CheckInterval)
	if v := os.Getenv("TRENDBRIDGE_TIMEZONE"); v != "" {
		cfg.Rollover.Timezone = v
	}

	// Retry configuration
	envInt("TRENDBRIDGE_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envDuration("TRENDBRIDGE_RETRY_BASE_DELAY", &cfg.Retry.BaseDelay)
	envDuration("TRENDBRIDGE_RETRY_MAX_DELAY", &cfg.Retry.MaxDelay)

	// Logging
	if v := os.Getenv("TRENDBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRENDBRIDGE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Database.Path),
		c.Storage.PartitionDir,
	}
	if c.Storage.ArchiveType == ArchiveLocal {
		dirs = append(dirs, c.Storage.ArchivePath)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
