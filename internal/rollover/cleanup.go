package rollover

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/manifest"
	"github.com/trendbridge/trendbridge/internal/partition"
	"github.com/trendbridge/trendbridge/internal/store"
)

// CleanupResult holds the outcome of a retention run.
type CleanupResult struct {
	Cutoff            time.Time `json:"cutoff"`
	DeletedPartitions []string  `json:"deleted_partitions"`
	DeletedRows       int64     `json:"deleted_rows"`
	Errors            []string  `json:"errors,omitempty"`
}

// CleanerConfig holds configuration for the cleaner.
type CleanerConfig struct {
	// Retry controls lock-contention retries of the live delete
	Retry store.RetryPolicy

	// PartitionLock is shared with the query executor and held exclusively
	// while expired partitions and rows are deleted. Nil means a private lock.
	PartitionLock *sync.RWMutex
}

// Cleaner enforces the retention window. Parents are never deleted.
type Cleaner struct {
	db       *store.DB
	catalog  manifest.Catalog
	settings ConfigSource
	archiver *Archiver
	config   CleanerConfig
	logger   *zap.Logger
}

// NewCleaner creates a cleaner. archiver may be nil.
func NewCleaner(db *store.DB, catalog manifest.Catalog, settings ConfigSource, archiver *Archiver, cfg CleanerConfig, logger *zap.Logger) *Cleaner {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = store.DefaultRetryPolicy()
	}
	if cfg.PartitionLock == nil {
		cfg.PartitionLock = new(sync.RWMutex)
	}
	return &Cleaner{
		db:       db,
		catalog:  catalog,
		settings: settings,
		archiver: archiver,
		config:   cfg,
		logger:   logging.OrNop(logger),
	}
}

// Cleanup removes archived partitions that ended before now minus the
// retention window, with their files and archive copies, and deletes live
// rows older than the window. A nil result means cleanup is disabled.
func (c *Cleaner) Cleanup(ctx context.Context, now time.Time) (*CleanupResult, error) {
	cfg := c.settings.Get()
	if !cfg.AutoCleanupEnabled {
		return nil, nil
	}

	cutoff := now.AddDate(0, 0, -partition.RetentionDays(cfg))
	result := &CleanupResult{Cutoff: cutoff}

	c.config.PartitionLock.Lock()
	defer c.config.PartitionLock.Unlock()

	expired, err := c.catalog.DeleteExpired(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("rollover: failed to find expired partitions: %w", err)
	}
	for _, rec := range expired {
		if rec.PartitionIdentifier != nil {
			result.DeletedPartitions = append(result.DeletedPartitions, *rec.PartitionIdentifier)
		}
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			result.Errors = append(result.Errors, err.Error())
		}
		if c.archiver != nil {
			if err := c.archiver.Remove(ctx, rec); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}
	}

	err = store.WriteTx(ctx, c.db.Writer, c.config.Retry, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM trendlog_child WHERE logging_time < ?`, cutoff.Unix())
		if err != nil {
			return fmt.Errorf("rollover: failed to delete expired rows: %w", err)
		}
		result.DeletedRows, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(result.DeletedPartitions) > 0 || result.DeletedRows > 0 {
		c.logger.Info("retention cleanup completed",
			zap.Time("cutoff", cutoff),
			zap.Strings("partitions", result.DeletedPartitions),
			zap.Int64("rows", result.DeletedRows))
	}
	if len(result.Errors) > 0 {
		c.logger.Warn("retention cleanup encountered errors", zap.Strings("errors", result.Errors))
	}
	return result, nil
}
