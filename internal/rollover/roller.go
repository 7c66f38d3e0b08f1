// Package rollover moves rows of closed periods out of the live tables into
// per-period partition files, and runs retention cleanup.
package rollover

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/manifest"
	"github.com/trendbridge/trendbridge/internal/partition"
	"github.com/trendbridge/trendbridge/internal/store"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// exportAlias is the schema name a partition file is attached under while
// it is being written.
const exportAlias = "export_db"

// ConfigSource supplies the current partition configuration.
type ConfigSource interface {
	Get() types.PartitionConfig
}

// Config holds configuration for the roller.
type Config struct {
	// PartitionDir is where partition files are written
	PartitionDir string

	// Location is the timezone period boundaries are computed in
	Location *time.Location

	// Retry controls lock-contention retries of each export
	Retry store.RetryPolicy

	// PartitionLock is shared with the query executor. Each export holds it
	// exclusively while rows move into a new file. Nil means a private lock.
	PartitionLock *sync.RWMutex
}

// Result describes one rollover run.
type Result struct {
	RunID    string                      `json:"run_id"`
	Cutoff   time.Time                   `json:"cutoff"`
	Closed   *manifest.PartitionRecord   `json:"closed,omitempty"`
	Exported []*manifest.PartitionRecord `json:"exported"`
	Skipped  []string                    `json:"skipped,omitempty"`
	Archived int                         `json:"archived"`
	Duration time.Duration               `json:"duration"`
}

// Roller exports closed periods of the live tables into partition files.
type Roller struct {
	db       *store.DB
	catalog  manifest.Catalog
	settings ConfigSource
	archiver *Archiver
	config   Config
	logger   *zap.Logger

	mu sync.Mutex
}

// NewRoller creates a roller. archiver may be nil.
func NewRoller(db *store.DB, catalog manifest.Catalog, settings ConfigSource, archiver *Archiver, cfg Config, logger *zap.Logger) *Roller {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = store.DefaultRetryPolicy()
	}
	if cfg.PartitionLock == nil {
		cfg.PartitionLock = new(sync.RWMutex)
	}
	return &Roller{
		db:       db,
		catalog:  catalog,
		settings: settings,
		archiver: archiver,
		config:   cfg,
		logger:   logging.OrNop(logger),
	}
}

// Rollover closes the live period if now has moved past it and exports every
// live row older than the current period start. Runs are serialized.
//
// Partition files are immutable: when a period's identifier is already
// registered its rows are left in the live tables and reported as skipped.
func (r *Roller) Rollover(ctx context.Context, now time.Time) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	cfg := r.settings.Get()
	result := &Result{RunID: uuid.New().String()}
	if !cfg.IsActive {
		return result, nil
	}

	logger := r.logger.With(zap.String("run_id", result.RunID))
	cutoff := partition.CurrentPeriodStart(cfg, now.In(r.config.Location))
	result.Cutoff = cutoff

	live, err := r.catalog.EnsureLive(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if live.StartDate.Before(cutoff) {
		if result.Closed, err = r.catalog.MarkActiveClosed(ctx, cutoff); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(r.config.PartitionDir, 0755); err != nil {
		return nil, tberrors.NewStorageError(tberrors.CodeUploadFailed, "failed to create partition directory", err)
	}

	from := int64(0)
	for {
		oldest, ok, err := r.oldestBefore(ctx, from, cutoff.Unix())
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		t := time.Unix(oldest, 0).In(r.config.Location)
		identifier := partition.PartitionIdentifier(cfg, t)
		spanStart, spanEnd := partition.PeriodBounds(cfg, t)
		if spanEnd.After(cutoff) {
			spanEnd = cutoff
		}
		from = spanEnd.Unix()

		if _, err := r.catalog.GetByIdentifier(ctx, identifier); err == nil {
			logger.Warn("partition already exported, rows stay live",
				zap.String("identifier", identifier),
				zap.Time("start", spanStart),
				zap.Time("end", spanEnd))
			result.Skipped = append(result.Skipped, identifier)
			continue
		} else if tberrors.GetCode(err) != tberrors.CodePartitionNotFound {
			return nil, err
		}

		rec, err := r.export(ctx, identifier, spanStart, spanEnd)
		if err != nil {
			return nil, fmt.Errorf("rollover: failed to export %s: %w", identifier, err)
		}
		result.Exported = append(result.Exported, rec)
	}

	if len(result.Exported) > 0 {
		// Reclaim the WAL once rows have moved out.
		if _, err := r.db.Writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			logger.Warn("wal checkpoint failed", zap.Error(err))
		}
	}

	markers, err := r.catalog.ClosedMarkers(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range markers {
		if m.EndDate != nil && m.EndDate.After(cutoff) {
			continue
		}
		if err := r.catalog.Retire(ctx, m.ID); err != nil {
			return nil, err
		}
	}

	if r.archiver != nil {
		for _, rec := range result.Exported {
			if _, err := r.archiver.Archive(ctx, rec); err != nil {
				logger.Error("failed to archive partition",
					zap.String("file", rec.FilePath), zap.Error(err))
				continue
			}
			result.Archived++
		}
	}

	result.Duration = time.Since(start)
	if result.Closed != nil || len(result.Exported) > 0 || len(result.Skipped) > 0 {
		logger.Info("rollover completed",
			zap.Time("cutoff", cutoff),
			zap.Int("exported", len(result.Exported)),
			zap.Int("skipped", len(result.Skipped)),
			zap.Int("archived", result.Archived),
			zap.Duration("duration", result.Duration))
	}
	return result, nil
}

// oldestBefore returns the smallest live logging_time in [from, cutoff).
func (r *Roller) oldestBefore(ctx context.Context, from, cutoff int64) (int64, bool, error) {
	var oldest sql.NullInt64
	err := r.db.Writer.QueryRowContext(ctx,
		`SELECT MIN(logging_time) FROM trendlog_child WHERE logging_time >= ? AND logging_time < ?`,
		from, cutoff).Scan(&oldest)
	if err != nil {
		return 0, false, fmt.Errorf("rollover: failed to find oldest live row: %w", err)
	}
	return oldest.Int64, oldest.Valid, nil
}

// export moves the live rows of [start, end) into a new partition file and
// registers it, in one transaction on the writer connection.
func (r *Roller) export(ctx context.Context, identifier string, start, end time.Time) (*manifest.PartitionRecord, error) {
	fileName := partition.FileName(identifier)
	path, err := filepath.Abs(filepath.Join(r.config.PartitionDir, fileName))
	if err != nil {
		return nil, err
	}

	r.config.PartitionLock.Lock()
	defer r.config.PartitionLock.Unlock()

	// An unregistered file is left over from an interrupted export.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale partition file: %w", err)
	}

	rec := &manifest.PartitionRecord{
		FileName:            fileName,
		FilePath:            path,
		PartitionIdentifier: &identifier,
		StartDate:           start,
	}
	endDate := end.Add(-time.Second)
	rec.EndDate = &endDate

	err = store.WithRetry(ctx, r.config.Retry, func() error {
		return r.exportOnce(ctx, rec, start.Unix(), end.Unix())
	})
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	r.logger.Info("partition exported",
		zap.String("identifier", identifier),
		zap.String("file", path),
		zap.Int64("records", rec.RecordCount),
		zap.Int64("size_bytes", rec.SizeBytes))
	return rec, nil
}

func (r *Roller) exportOnce(ctx context.Context, rec *manifest.PartitionRecord, lo, hi int64) error {
	conn, err := r.db.Writer.Conn(ctx)
	if err != nil {
		return tberrors.NewConnectionError("failed to acquire writer connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+exportAlias, rec.FilePath); err != nil {
		return tberrors.NewAttachError(rec.FilePath, err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(dctx, "DETACH DATABASE "+exportAlias); err != nil {
			r.logger.Warn("detach failed", zap.String("file", rec.FilePath), zap.Error(err))
		}
	}()

	for _, stmt := range store.PartitionSchemaSQL(exportAlias) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create partition schema: %w", err)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin export: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO `+exportAlias+`.trendlog_parent
			(id, serial_number, panel_id, point_id, point_index, point_type,
			 digital_analog, range_field, units, description, is_active, created_at, updated_at)
		SELECT id, serial_number, panel_id, point_id, point_index, point_type,
			 digital_analog, range_field, units, description, is_active, created_at, updated_at
		FROM main.trendlog_parent
		WHERE id IN (SELECT DISTINCT parent_id FROM main.trendlog_child
		             WHERE logging_time >= ? AND logging_time < ?)`, lo, hi); err != nil {
		return fmt.Errorf("failed to copy parents: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO `+exportAlias+`.trendlog_child
			(id, parent_id, value, logging_time, logging_time_fmt, data_source, sync_interval, created_by)
		SELECT id, parent_id, value, logging_time, logging_time_fmt, data_source, sync_interval, created_by
		FROM main.trendlog_child
		WHERE logging_time >= ? AND logging_time < ?
		ORDER BY logging_time_fmt`, lo, hi)
	if err != nil {
		return fmt.Errorf("failed to copy samples: %w", err)
	}
	copied, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM main.trendlog_child WHERE logging_time >= ? AND logging_time < ?`, lo, hi)
	if err != nil {
		return fmt.Errorf("failed to delete exported samples: %w", err)
	}
	if deleted, _ := res.RowsAffected(); deleted != copied {
		return tberrors.NewInternalError(
			fmt.Sprintf("exported %d rows but deleted %d", copied, deleted), nil)
	}

	var pages, pageSize int64
	if err := tx.QueryRowContext(ctx, "PRAGMA "+exportAlias+".page_count").Scan(&pages); err != nil {
		return fmt.Errorf("failed to read partition size: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "PRAGMA "+exportAlias+".page_size").Scan(&pageSize); err != nil {
		return fmt.Errorf("failed to read partition size: %w", err)
	}
	rec.RecordCount = copied
	rec.SizeBytes = pages * pageSize

	if err := r.catalog.RegisterPartitionTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	return nil
}
