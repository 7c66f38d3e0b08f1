package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.DataDir, "trendbridge.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "partitions"), cfg.Storage.PartitionDir)
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad archive type", func(c *Config) { c.Storage.ArchiveType = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Storage.ArchiveType = ArchiveS3 }},
		{"zero read pool", func(c *Config) { c.Database.ReadPoolSize = 0 }},
		{"zero cache", func(c *Config) { c.Ingest.CacheMaxEntries = 0 }},
		{"zero query timeout", func(c *Config) { c.Query.Timeout = 0 }},
		{"unknown timezone", func(c *Config) { c.Rollover.Timezone = "Mars/Olympus" }},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trendbridge.yaml")
	body := `
data_dir: /var/lib/trendbridge
http:
  addr: ":9000"
storage:
  archive_type: s3
  s3:
    bucket: trend-archive
    region: eu-west-1
query:
  timeout: 10s
rollover:
  timezone: UTC
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	cfg.Resolve()

	assert.Equal(t, "/var/lib/trendbridge", cfg.DataDir)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "trend-archive", cfg.Storage.S3.Bucket)
	assert.Equal(t, 10*time.Second, cfg.Query.Timeout)
	assert.Equal(t, "UTC", cfg.Rollover.Timezone)
	// Untouched keys keep defaults
	assert.Equal(t, 10000, cfg.Ingest.CacheMaxEntries)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRENDBRIDGE_DATA_DIR", "/tmp/tb")
	t.Setenv("TRENDBRIDGE_CACHE_MAX_ENTRIES", "42")
	t.Setenv("TRENDBRIDGE_QUERY_TIMEOUT", "5s")
	t.Setenv("TRENDBRIDGE_ROLLOVER_ENABLED", "false")
	t.Setenv("TRENDBRIDGE_S3_PATH_STYLE", "1")
	t.Setenv("TRENDBRIDGE_RETRY_MAX_ATTEMPTS", "not-a-number")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "/tmp/tb", cfg.DataDir)
	assert.Equal(t, 42, cfg.Ingest.CacheMaxEntries)
	assert.Equal(t, 5*time.Second, cfg.Query.Timeout)
	assert.False(t, cfg.Rollover.Enabled)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts, "unparseable values are ignored")
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Storage.ArchiveType = ArchiveLocal
	cfg.Resolve()

	require.NoError(t, cfg.EnsureDirectories())
	for _, dir := range []string{cfg.DataDir, cfg.Storage.PartitionDir, cfg.Storage.ArchivePath} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
