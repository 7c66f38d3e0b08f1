// Package executor runs time-range queries across the live database and the
// archived partition files that overlap the requested range.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/manifest"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// DefaultTimeout bounds a whole federated query.
const DefaultTimeout = 30 * time.Second

// Filters are optional equality filters, AND-ed together.
type Filters struct {
	SerialNumber *int64  `json:"serial_number,omitempty"`
	PanelID      *int64  `json:"panel_id,omitempty"`
	PointID      *string `json:"point_id,omitempty"`
	PointType    *string `json:"point_type,omitempty"`
}

// names lists the filters that are set, by column name.
func (f Filters) names() []string {
	var names []string
	if f.SerialNumber != nil {
		names = append(names, "serial_number")
	}
	if f.PanelID != nil {
		names = append(names, "panel_id")
	}
	if f.PointID != nil {
		names = append(names, "point_id")
	}
	if f.PointType != nil {
		names = append(names, "point_type")
	}
	return names
}

// TimeRangeQuery selects samples with Start <= logging_time <= End.
type TimeRangeQuery struct {
	Start   time.Time
	End     time.Time
	Filters Filters
}

// Validate checks the range.
func (q TimeRangeQuery) Validate() error {
	if q.Start.IsZero() || q.End.IsZero() {
		return tberrors.NewValidationError(tberrors.CodeInvalidQuery, "start and end are required")
	}
	if q.Start.After(q.End) {
		return tberrors.NewValidationError(tberrors.CodeInvalidQuery, "start must not be after end")
	}
	return nil
}

// QueryResult holds merged query results.
type QueryResult struct {
	// Records are sorted by logging_time_fmt ascending
	Records []types.SampleRecord `json:"records"`

	// Stats contains execution statistics
	Stats ExecutionStats `json:"stats"`
}

// ExecutionStats contains query execution statistics.
type ExecutionStats struct {
	// PartitionsScanned counts archived files read
	PartitionsScanned int `json:"partitions_scanned"`

	// LiveScanned is set when the live tables were read
	LiveScanned bool `json:"live_scanned"`

	// RowsReturned is the number of merged records
	RowsReturned int64 `json:"rows_returned"`

	// ExecutionTimeMs is the total execution time in milliseconds
	ExecutionTimeMs int64 `json:"execution_time_ms"`
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	// Timeout bounds one Query call (default: 30s)
	Timeout time.Duration

	// PartitionDir confines which files may be attached; empty disables the check
	PartitionDir string

	// Recorder, when set, receives the filters and partitions of each successful query
	Recorder QueryRecorder

	// PartitionLock is shared with whatever moves rows into or deletes
	// partition files. A query holds it for reading from the catalog lookup
	// until the last file is read. Nil means a private lock.
	PartitionLock *sync.RWMutex

	// Restorer, when set, rebuilds a registered partition file that is
	// missing from PartitionDir from its archived copy before attaching it
	Restorer Restorer
}

// Restorer writes the archived copy of a partition to dest.
type Restorer interface {
	Restore(ctx context.Context, rec *manifest.PartitionRecord, dest string) error
}

// QueryRecorder tracks query usage.
type QueryRecorder interface {
	RecordQuery(filters, partitions []string)
}

// PartitionFinder is the part of the catalog the executor reads.
type PartitionFinder interface {
	FindOverlapping(ctx context.Context, start, end time.Time) ([]*manifest.PartitionRecord, error)
	TouchAccessed(ctx context.Context, ids []int64, at time.Time) error
}

// ConfigSource supplies the current partition configuration.
type ConfigSource interface {
	Get() types.PartitionConfig
}

// FederatedExecutor answers time-range queries over the live tables and the
// archived partition files.
type FederatedExecutor struct {
	db       *sql.DB
	catalog  PartitionFinder
	settings ConfigSource
	config   ExecutorConfig
	logger   *zap.Logger

	restoreMu sync.Mutex
}

// NewFederatedExecutor creates an executor. db is the read pool of the live
// database; archived files are attached to connections taken from it.
func NewFederatedExecutor(db *sql.DB, catalog PartitionFinder, settings ConfigSource, cfg ExecutorConfig, logger *zap.Logger) *FederatedExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PartitionLock == nil {
		cfg.PartitionLock = new(sync.RWMutex)
	}
	return &FederatedExecutor{
		db:       db,
		catalog:  catalog,
		settings: settings,
		config:   cfg,
		logger:   logging.OrNop(logger),
	}
}

// Query returns all samples in the range matching the filters, across every
// partition that may hold them. Any attach or decode failure fails the call.
func (e *FederatedExecutor) Query(ctx context.Context, q TimeRangeQuery) (*QueryResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	startTime := time.Now()

	stats := ExecutionStats{}
	parts, touched, scanned, err := e.scan(ctx, q, &stats)
	if err != nil {
		return nil, err
	}

	merged := mergeRecords(parts)
	stats.RowsReturned = int64(len(merged))
	stats.ExecutionTimeMs = time.Since(startTime).Milliseconds()

	if len(touched) > 0 {
		if err := e.catalog.TouchAccessed(ctx, touched, time.Now()); err != nil {
			e.logger.Warn("failed to update partition access time", zap.Error(err))
		}
	}

	if e.config.Recorder != nil {
		e.config.Recorder.RecordQuery(q.Filters.names(), scanned)
	}

	e.logger.Debug("query executed",
		zap.Time("start", q.Start),
		zap.Time("end", q.End),
		zap.Int("partitions", stats.PartitionsScanned),
		zap.Int64("rows", stats.RowsReturned),
		zap.Int64("duration_ms", stats.ExecutionTimeMs))

	return &QueryResult{Records: merged, Stats: stats}, nil
}

// scan reads every target of q. The partition set cannot change while it
// runs, so rows moved out of the live tables are never missed.
func (e *FederatedExecutor) scan(ctx context.Context, q TimeRangeQuery, stats *ExecutionStats) (parts [][]types.SampleRecord, touched []int64, scanned []string, err error) {
	e.config.PartitionLock.RLock()
	defer e.config.PartitionLock.RUnlock()

	targets, err := e.targets(ctx, q)
	if err != nil {
		return nil, nil, nil, err
	}

	stmt, args := buildSelect(q)
	parts = make([][]types.SampleRecord, 0, len(targets))
	for _, rec := range targets {
		var records []types.SampleRecord
		if rec.IsLive() {
			records, err = e.queryLive(ctx, stmt, args)
			stats.LiveScanned = true
		} else {
			records, err = e.queryArchived(ctx, rec, stmt, args)
			stats.PartitionsScanned++
			touched = append(touched, rec.ID)
			if rec.PartitionIdentifier != nil {
				scanned = append(scanned, *rec.PartitionIdentifier)
			}
		}
		if err != nil {
			return nil, nil, nil, err
		}
		parts = append(parts, records)
	}
	return parts, touched, scanned, nil
}

// targets lists what to read. With partitioning disabled only the live tables
// are read, whatever the catalog holds.
func (e *FederatedExecutor) targets(ctx context.Context, q TimeRangeQuery) ([]*manifest.PartitionRecord, error) {
	if !e.settings.Get().IsActive {
		return []*manifest.PartitionRecord{{IsActive: true}}, nil
	}
	targets, err := e.catalog.FindOverlapping(ctx, q.Start, q.End)
	if err != nil {
		return nil, tberrors.NewConnectionError("failed to read partition catalog", err)
	}
	return targets, nil
}

func (e *FederatedExecutor) queryLive(ctx context.Context, stmt string, args []any) ([]types.SampleRecord, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(stmt, "main"), args...)
	if err != nil {
		return nil, tberrors.NewConnectionError("failed to query live tables", err)
	}
	defer rows.Close()
	return decodeRows(rows)
}

func (e *FederatedExecutor) queryArchived(ctx context.Context, rec *manifest.PartitionRecord, stmt string, args []any) ([]types.SampleRecord, error) {
	if e.config.Restorer != nil {
		if err := e.restoreMissing(ctx, rec); err != nil {
			return nil, err
		}
	}

	att, err := attachPartition(ctx, e.db, e.config.PartitionDir, rec.FilePath, e.logger)
	if err != nil {
		return nil, err
	}
	defer att.Close()

	rows, err := att.conn.QueryContext(ctx, fmt.Sprintf(stmt, partitionAlias), args...)
	if err != nil {
		return nil, tberrors.NewAttachError(att.path, err)
	}
	defer rows.Close()
	return decodeRows(rows)
}

// restoreMissing brings back a partition file that was deleted locally but
// still has an archived copy. Files that exist are left alone.
func (e *FederatedExecutor) restoreMissing(ctx context.Context, rec *manifest.PartitionRecord) error {
	path, err := confinePartitionPath(e.config.PartitionDir, rec.FilePath)
	if err != nil {
		return err
	}

	e.restoreMu.Lock()
	defer e.restoreMu.Unlock()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return nil
	}
	if err := e.config.Restorer.Restore(ctx, rec, path); err != nil {
		return tberrors.NewAttachError(path, fmt.Errorf("restore from archive: %w", err))
	}
	e.logger.Info("partition file restored from archive", zap.String("file", path))
	return nil
}

func decodeRows(rows *sql.Rows) ([]types.SampleRecord, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("executor: failed to read columns: %w", err)
	}
	dec, err := newRowDecoder(columns)
	if err != nil {
		return nil, err
	}

	var records []types.SampleRecord
	for rows.Next() {
		rec, err := dec.decode(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("executor: error iterating rows: %w", err)
	}
	return records, nil
}

// buildSelect renders the shared statement. The schema is left as a %s verb
// and filled with "main" or the attachment alias; every value is bound.
func buildSelect(q TimeRangeQuery) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT c.id, c.parent_id,
		p.serial_number, p.panel_id, p.point_id, p.point_index, p.point_type,
		p.digital_analog, p.range_field, p.units, p.description,
		c.value, c.logging_time, c.logging_time_fmt,
		c.data_source, c.sync_interval, c.created_by
	FROM %[1]s.trendlog_child c
	JOIN %[1]s.trendlog_parent p ON p.id = c.parent_id
	WHERE c.logging_time BETWEEN ? AND ?`)
	args := []any{q.Start.Unix(), q.End.Unix()}

	f := q.Filters
	if f.SerialNumber != nil {
		sb.WriteString(" AND p.serial_number = ?")
		args = append(args, *f.SerialNumber)
	}
	if f.PanelID != nil {
		sb.WriteString(" AND p.panel_id = ?")
		args = append(args, *f.PanelID)
	}
	if f.PointID != nil {
		sb.WriteString(" AND p.point_id = ?")
		args = append(args, *f.PointID)
	}
	if f.PointType != nil {
		sb.WriteString(" AND p.point_type = ?")
		args = append(args, *f.PointType)
	}
	sb.WriteString(" ORDER BY c.logging_time_fmt ASC")
	return sb.String(), args
}
