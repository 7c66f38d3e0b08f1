// Package migration converts the flat legacy trend-log table into the
// parent/child layout.
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/store"
	"github.com/trendbridge/trendbridge/pkg/types"
)

const (
	// LegacyTable is the flat table the migration reads.
	LegacyTable = "trendlog_data"

	// MigrationName is the schema_migrations key of a completed split run.
	MigrationName = "split_trendlog_data"

	// DefaultBatchSize is the number of legacy rows read per round trip.
	DefaultBatchSize = 500

	childChunk = 100
)

// Options configures a SplitMigrator.
type Options struct {
	// Location interprets text timestamps without a zone
	Location *time.Location

	// BatchSize is the number of legacy rows streamed per batch (default: 500)
	BatchSize int

	// Retry controls lock-contention retries of the whole run
	Retry store.RetryPolicy
}

// Report summarizes one migration run.
//
// ParentCount is the number of distinct identities in the legacy table; each
// maps to exactly one parent after the run. ParentsCreated counts only the
// parents this run inserted, which is lower when some already existed.
type Report struct {
	SourceCount      int64         `json:"source_count"`
	ParentCount      int64         `json:"parent_count"`
	ParentsCreated   int64         `json:"parents_created"`
	ChildCount       int64         `json:"child_count"`
	SkippedOrphans   int64         `json:"skipped_orphans"`
	SkippedMalformed int64         `json:"skipped_malformed"`
	Warnings         []string      `json:"warnings,omitempty"`
	Duration         time.Duration `json:"duration"`
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// SplitMigrator copies trendlog_data into trendlog_parent and trendlog_child.
// The legacy table is never modified.
type SplitMigrator struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
}

// NewSplitMigrator creates a migrator. db must be the single-writer handle.
func NewSplitMigrator(db *sql.DB, opts Options, logger *zap.Logger) *SplitMigrator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = store.DefaultRetryPolicy()
	}
	return &SplitMigrator{db: db, opts: opts, logger: logging.OrNop(logger)}
}

// Run performs the migration. All writes happen in one transaction, so a
// failure leaves the split tables as they were and the run can be repeated.
// Completion is recorded in schema_migrations by the same transaction; a run
// after a completed one does nothing. Children written by live ingestion do
// not count as a completed migration.
func (m *SplitMigrator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	exists, err := m.legacyExists(ctx)
	if err != nil {
		return nil, tberrors.NewMigrationError("failed to inspect schema", err)
	}
	if !exists {
		report.warn(fmt.Sprintf("table %s does not exist, nothing to migrate", LegacyTable))
		report.Duration = time.Since(start)
		return report, nil
	}

	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+LegacyTable).Scan(&report.SourceCount); err != nil {
		return nil, tberrors.NewMigrationError("failed to count legacy rows", err)
	}
	if report.SourceCount == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	m.logger.Info("split migration started", zap.Int64("source_rows", report.SourceCount))

	var appliedAt int64
	err = store.WriteTx(ctx, m.db, m.opts.Retry, func(tx *sql.Tx) error {
		// A retried attempt starts from a clean report.
		report.ParentCount, report.ParentsCreated, report.ChildCount = 0, 0, 0
		report.SkippedOrphans, report.SkippedMalformed = 0, 0

		appliedAt = 0
		err := tx.QueryRowContext(ctx,
			`SELECT applied_at FROM schema_migrations WHERE name = ?`, MigrationName).Scan(&appliedAt)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("migration: failed to read marker: %w", err)
		}

		if err := m.migrate(ctx, tx, report); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at, source_rows, child_rows)
			VALUES (?, ?, ?, ?)`, MigrationName, time.Now().Unix(), report.SourceCount, report.ChildCount)
		if err != nil {
			return fmt.Errorf("migration: failed to record completion: %w", err)
		}
		return nil
	})
	if err != nil {
		if tberrors.GetCategory(err) == tberrors.ErrCategoryLock {
			return nil, err
		}
		return nil, tberrors.NewMigrationError("split migration failed", err)
	}

	if appliedAt != 0 {
		report.warn(fmt.Sprintf("split migration already applied at %s, skipped",
			time.Unix(appliedAt, 0).UTC().Format(time.RFC3339)))
		report.Duration = time.Since(start)
		m.logger.Info("split migration already applied", zap.Int64("applied_at", appliedAt))
		return report, nil
	}

	if report.ChildCount != report.SourceCount {
		w := tberrors.NewIntegrityWarning(fmt.Sprintf(
			"migrated %d of %d rows (%d orphaned, %d malformed)",
			report.ChildCount, report.SourceCount, report.SkippedOrphans, report.SkippedMalformed))
		report.warn(w.Error())
		m.logger.Warn("split migration integrity mismatch",
			zap.Int64("source", report.SourceCount),
			zap.Int64("migrated", report.ChildCount))
	}

	report.Duration = time.Since(start)
	m.logger.Info("split migration finished",
		zap.Int64("identities", report.ParentCount),
		zap.Int64("parents_created", report.ParentsCreated),
		zap.Int64("children", report.ChildCount),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (m *SplitMigrator) legacyExists(ctx context.Context) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, LegacyTable).Scan(&n)
	return n > 0, err
}

func (m *SplitMigrator) migrate(ctx context.Context, tx *sql.Tx, report *Report) error {
	// One parent per identity; metadata is taken as the MAX over its rows.
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO trendlog_parent
		(serial_number, panel_id, point_id, point_index, point_type,
		 digital_analog, range_field, units, description)
		SELECT serial_number, panel_id, point_id, point_index, point_type,
		       COALESCE(MAX(digital_analog), ''), COALESCE(MAX(range_field), ''),
		       COALESCE(MAX(units), ''), COALESCE(MAX(description), '')
		FROM `+LegacyTable+`
		GROUP BY serial_number, panel_id, point_id, point_index, point_type`)
	if err != nil {
		return fmt.Errorf("migration: failed to create parents: %w", err)
	}
	if report.ParentsCreated, err = res.RowsAffected(); err != nil {
		return fmt.Errorf("migration: failed to count created parents: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT 1 FROM `+LegacyTable+`
		GROUP BY serial_number, panel_id, point_id, point_index, point_type)`).Scan(&report.ParentCount); err != nil {
		return fmt.Errorf("migration: failed to count identities: %w", err)
	}

	parents, err := loadParents(ctx, tx)
	if err != nil {
		return err
	}

	for offset := int64(0); ; offset += int64(m.opts.BatchSize) {
		batch, err := readBatch(ctx, tx, m.opts.BatchSize, offset)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		children := make([]childRow, 0, len(batch))
		for _, row := range batch {
			parentID, ok := parents[row.identity]
			if !ok {
				report.SkippedOrphans++
				continue
			}
			sec, ok := parseLoggingTime(row.loggingTime, m.opts.Location)
			if !ok {
				report.SkippedMalformed++
				m.logger.Debug("skipping malformed logging_time",
					zap.Int64("legacy_id", row.id), zap.String("logging_time", row.loggingTime.String))
				continue
			}
			formatted := row.loggingTimeFmt.String
			if formatted == "" {
				formatted = types.FormatLoggingTime(sec, m.opts.Location)
			}
			children = append(children, childRow{
				parentID:     parentID,
				value:        row.value.String,
				loggingTime:  sec,
				formatted:    formatted,
				dataSource:   row.dataSource,
				syncInterval: row.syncInterval,
				createdBy:    row.createdBy,
			})
		}

		for begin := 0; begin < len(children); begin += childChunk {
			end := min(begin+childChunk, len(children))
			if err := insertChildren(ctx, tx, children[begin:end]); err != nil {
				return err
			}
		}
		report.ChildCount += int64(len(children))

		if len(batch) < m.opts.BatchSize {
			return nil
		}
	}
}

type legacyRow struct {
	id             int64
	identity       types.Identity
	value          sql.NullString
	loggingTime    sql.NullString
	loggingTimeFmt sql.NullString
	dataSource     sql.NullString
	syncInterval   sql.NullInt64
	createdBy      sql.NullString
}

type childRow struct {
	parentID     int64
	value        string
	loggingTime  int64
	formatted    string
	dataSource   sql.NullString
	syncInterval sql.NullInt64
	createdBy    sql.NullString
}

func loadParents(ctx context.Context, tx *sql.Tx) (map[types.Identity]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, serial_number, panel_id, point_id, point_index, point_type FROM trendlog_parent`)
	if err != nil {
		return nil, fmt.Errorf("migration: failed to load parents: %w", err)
	}
	defer rows.Close()

	parents := make(map[types.Identity]int64)
	for rows.Next() {
		var id int64
		var ident types.Identity
		if err := rows.Scan(&id, &ident.SerialNumber, &ident.PanelID, &ident.PointID, &ident.PointIndex, &ident.PointType); err != nil {
			return nil, fmt.Errorf("migration: failed to scan parent: %w", err)
		}
		parents[ident] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("migration: error iterating parents: %w", err)
	}
	return parents, nil
}

// readBatch reads one page of legacy rows. The page is fully consumed before
// the caller writes, since the transaction has a single connection.
func readBatch(ctx context.Context, tx *sql.Tx, limit int, offset int64) ([]legacyRow, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, serial_number, panel_id, point_id, point_index, point_type,
			value, CAST(logging_time AS TEXT), logging_time_fmt, data_source, sync_interval, created_by
		FROM `+LegacyTable+`
		ORDER BY serial_number, panel_id, point_id, point_index, point_type, logging_time, id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("migration: failed to read legacy rows: %w", err)
	}
	defer rows.Close()

	var batch []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.id,
			&r.identity.SerialNumber, &r.identity.PanelID, &r.identity.PointID,
			&r.identity.PointIndex, &r.identity.PointType,
			&r.value, &r.loggingTime, &r.loggingTimeFmt,
			&r.dataSource, &r.syncInterval, &r.createdBy); err != nil {
			return nil, fmt.Errorf("migration: failed to scan legacy row: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("migration: error iterating legacy rows: %w", err)
	}
	return batch, nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, children []childRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO trendlog_child
		(parent_id, value, logging_time, logging_time_fmt, data_source, sync_interval, created_by) VALUES `)
	args := make([]any, 0, len(children)*7)
	for i, c := range children {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, c.parentID, c.value, c.loggingTime, c.formatted,
			c.dataSource, c.syncInterval, c.createdBy)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("migration: failed to insert child rows: %w", err)
	}
	return nil
}

// parseLoggingTime accepts Unix seconds or TimeFormat text in loc.
func parseLoggingTime(raw sql.NullString, loc *time.Location) (int64, bool) {
	if !raw.Valid {
		return 0, false
	}
	s := strings.TrimSpace(raw.String)
	if s == "" {
		return 0, false
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return sec, sec > 0
	}
	t, err := time.ParseInLocation(types.TimeFormat, s, loc)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}
