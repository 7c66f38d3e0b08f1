package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/store"
)

// Catalog tracks partition files and the live period.
type Catalog interface {
	// FindOverlapping returns archived partitions intersecting [start, end]
	// ordered by start date, followed by a synthetic live record when the
	// live period overlaps the range.
	FindOverlapping(ctx context.Context, start, end time.Time) ([]*PartitionRecord, error)

	// RegisterPartition adds an archived partition. Fails with
	// DUPLICATE_PARTITION when the identifier is already registered.
	RegisterPartition(ctx context.Context, rec *PartitionRecord) error

	// RegisterPartitionTx is RegisterPartition inside a caller transaction.
	RegisterPartitionTx(ctx context.Context, q store.Querier, rec *PartitionRecord) error

	// EnsureLive creates the live record starting at start if none exists
	// and returns the live record.
	EnsureLive(ctx context.Context, start time.Time) (*PartitionRecord, error)

	// Live returns the live record.
	Live(ctx context.Context) (*PartitionRecord, error)

	// MarkActiveClosed closes the live period at asOf and opens a new one.
	MarkActiveClosed(ctx context.Context, asOf time.Time) (*PartitionRecord, error)

	// ClosedMarkers returns closed live periods whose data has not been
	// exported yet.
	ClosedMarkers(ctx context.Context) ([]*PartitionRecord, error)

	// GetByIdentifier retrieves an archived partition.
	GetByIdentifier(ctx context.Context, identifier string) (*PartitionRecord, error)

	// ListPartitions returns every catalog record ordered by start date.
	ListPartitions(ctx context.Context) ([]*PartitionRecord, error)

	// TouchAccessed stamps last_accessed_at on the given records.
	TouchAccessed(ctx context.Context, ids []int64, at time.Time) error

	// Retire deletes a record by id.
	Retire(ctx context.Context, id int64) error

	// DeleteExpired removes archived partitions that ended before cutoff and
	// returns them so their files can be removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) ([]*PartitionRecord, error)

	Close() error
}

// PartitionRecord is one catalog entry.
type PartitionRecord struct {
	ID                  int64      `json:"id"`
	FileName            string     `json:"file_name"`
	FilePath            string     `json:"file_path"`
	PartitionIdentifier *string    `json:"partition_identifier"`
	StartDate           time.Time  `json:"start_date"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	IsActive            bool       `json:"is_active"`
	IsArchived          bool       `json:"is_archived"`
	SizeBytes           int64      `json:"size_bytes"`
	RecordCount         int64      `json:"record_count"`
	CreatedAt           time.Time  `json:"created_at"`
	LastAccessedAt      *time.Time `json:"last_accessed_at,omitempty"`
}

// IsLive reports whether the record points at the live database.
func (r *PartitionRecord) IsLive() bool {
	return r.PartitionIdentifier == nil
}

// recordRow is the column layout of partition_catalog.
type recordRow struct {
	ID                  int64          `db:"id"`
	FileName            string         `db:"file_name"`
	FilePath            string         `db:"file_path"`
	PartitionIdentifier sql.NullString `db:"partition_identifier"`
	StartDate           int64          `db:"start_date"`
	EndDate             sql.NullInt64  `db:"end_date"`
	IsActive            bool           `db:"is_active"`
	IsArchived          bool           `db:"is_archived"`
	SizeBytes           int64          `db:"size_bytes"`
	RecordCount         int64          `db:"record_count"`
	CreatedAt           int64          `db:"created_at"`
	LastAccessedAt      sql.NullInt64  `db:"last_accessed_at"`
}

const selectColumns = `id, file_name, file_path, partition_identifier, start_date, end_date,
	is_active, is_archived, size_bytes, record_count, created_at, last_accessed_at`

func (r recordRow) toRecord() *PartitionRecord {
	rec := &PartitionRecord{
		ID:          r.ID,
		FileName:    r.FileName,
		FilePath:    r.FilePath,
		StartDate:   time.Unix(r.StartDate, 0),
		IsActive:    r.IsActive,
		IsArchived:  r.IsArchived,
		SizeBytes:   r.SizeBytes,
		RecordCount: r.RecordCount,
		CreatedAt:   time.Unix(r.CreatedAt, 0),
	}
	if r.PartitionIdentifier.Valid {
		id := r.PartitionIdentifier.String
		rec.PartitionIdentifier = &id
	}
	if r.EndDate.Valid {
		end := time.Unix(r.EndDate.Int64, 0)
		rec.EndDate = &end
	}
	if r.LastAccessedAt.Valid {
		at := time.Unix(r.LastAccessedAt.Int64, 0)
		rec.LastAccessedAt = &at
	}
	return rec
}

func toRecords(rows []recordRow) []*PartitionRecord {
	records := make([]*PartitionRecord, len(rows))
	for i, r := range rows {
		records[i] = r.toRecord()
	}
	return records
}

// SQLiteCatalog implements Catalog in the live database.
type SQLiteCatalog struct {
	db       *sqlx.DB // Write connection (single writer)
	readDB   *sqlx.DB // Read connection pool
	livePath string
	retry    store.RetryPolicy
	logger   *zap.Logger
	mu       sync.Mutex // Serializes multi-statement writes
}

// NewCatalog creates the catalog over the live database handles and ensures
// its schema exists.
func NewCatalog(db *store.DB, retry store.RetryPolicy, logger *zap.Logger) (*SQLiteCatalog, error) {
	catalog := &SQLiteCatalog{
		db:       sqlx.NewDb(db.Writer, "sqlite3"),
		readDB:   sqlx.NewDb(db.Reader, "sqlite3"),
		livePath: db.Path(),
		retry:    retry,
		logger:   logging.OrNop(logger),
	}

	if err := catalog.initSchema(); err != nil {
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}
	return catalog, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// LivePath returns the file path of the live database.
func (c *SQLiteCatalog) LivePath() string {
	return c.livePath
}

// FindOverlapping implements Catalog.
func (c *SQLiteCatalog) FindOverlapping(ctx context.Context, start, end time.Time) ([]*PartitionRecord, error) {
	var rows []recordRow
	err := c.readDB.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM partition_catalog
		 WHERE is_active = 0 AND partition_identifier IS NOT NULL
		   AND start_date <= ? AND (end_date IS NULL OR ? <= end_date)
		 ORDER BY start_date`,
		end.Unix(), start.Unix())
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to find overlapping partitions: %w", err)
	}
	records := toRecords(rows)

	live, err := c.liveSpan(ctx)
	if err != nil {
		return nil, err
	}
	if live != nil && !live.StartDate.After(end) {
		records = append(records, live)
	}
	return records, nil
}

// liveSpan builds the synthetic live record. Its start is the earlier of the
// live record's start and the oldest row still in the live table, because
// rows of a closed period stay live until rollover exports them.
func (c *SQLiteCatalog) liveSpan(ctx context.Context) (*PartitionRecord, error) {
	var oldest sql.NullInt64
	if err := c.readDB.GetContext(ctx, &oldest, `SELECT MIN(logging_time) FROM trendlog_child`); err != nil {
		return nil, fmt.Errorf("manifest: failed to read live span: %w", err)
	}

	live, err := c.Live(ctx)
	if err != nil && tberrors.GetCode(err) != tberrors.CodePartitionNotFound {
		return nil, err
	}
	if live == nil {
		if !oldest.Valid {
			return nil, nil
		}
		live = &PartitionRecord{
			FileName:  filepath.Base(c.livePath),
			FilePath:  c.livePath,
			StartDate: time.Unix(oldest.Int64, 0),
			IsActive:  true,
		}
	}

	if oldest.Valid && oldest.Int64 < live.StartDate.Unix() {
		live.StartDate = time.Unix(oldest.Int64, 0)
	}
	live.FilePath = c.livePath
	live.PartitionIdentifier = nil
	live.IsActive = true
	return live, nil
}

// RegisterPartition implements Catalog.
func (c *SQLiteCatalog) RegisterPartition(ctx context.Context, rec *PartitionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return store.WithRetry(ctx, c.retry, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("manifest: failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := c.RegisterPartitionTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("manifest: failed to commit transaction: %w", err)
		}
		return nil
	})
}

// RegisterPartitionTx implements Catalog.
func (c *SQLiteCatalog) RegisterPartitionTx(ctx context.Context, q store.Querier, rec *PartitionRecord) error {
	if rec.PartitionIdentifier == nil || *rec.PartitionIdentifier == "" {
		return tberrors.NewValidationError(tberrors.CodeInvalidQuery, "archived partition requires an identifier")
	}
	if rec.EndDate != nil && rec.EndDate.Before(rec.StartDate) {
		return tberrors.NewValidationError(tberrors.CodeInvalidQuery, "partition end_date precedes start_date")
	}

	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM partition_catalog WHERE partition_identifier = ?`,
		*rec.PartitionIdentifier).Scan(&exists)
	if err != nil {
		return fmt.Errorf("manifest: failed to check identifier: %w", err)
	}
	if exists > 0 {
		return tberrors.NewCatalogError(tberrors.CodeDuplicatePartition,
			fmt.Sprintf("partition %s is already registered", *rec.PartitionIdentifier), nil)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.IsActive = false
	rec.IsArchived = true

	var endDate *int64
	if rec.EndDate != nil {
		v := rec.EndDate.Unix()
		endDate = &v
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO partition_catalog (
			file_name, file_path, partition_identifier, start_date, end_date,
			is_active, is_archived, size_bytes, record_count, created_at
		) VALUES (?, ?, ?, ?, ?, 0, 1, ?, ?, ?)`,
		rec.FileName, rec.FilePath, *rec.PartitionIdentifier, rec.StartDate.Unix(), endDate,
		rec.SizeBytes, rec.RecordCount, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("manifest: failed to insert partition: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("manifest: failed to read partition id: %w", err)
	}

	c.logger.Info("partition registered",
		zap.String("identifier", *rec.PartitionIdentifier),
		zap.String("file", rec.FilePath),
		zap.Int64("records", rec.RecordCount),
		zap.Int64("size_bytes", rec.SizeBytes))
	return nil
}

// EnsureLive implements Catalog.
func (c *SQLiteCatalog) EnsureLive(ctx context.Context, start time.Time) (*PartitionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := store.WithRetry(ctx, c.retry, func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO partition_catalog (file_name, file_path, start_date, is_active, is_archived, created_at)
			 SELECT ?, ?, ?, 1, 0, ?
			 WHERE NOT EXISTS (SELECT 1 FROM partition_catalog WHERE is_active = 1)`,
			filepath.Base(c.livePath), c.livePath, start.Unix(), time.Now().Unix())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to ensure live record: %w", err)
	}
	return c.liveFrom(ctx, c.db)
}

// Live implements Catalog.
func (c *SQLiteCatalog) Live(ctx context.Context) (*PartitionRecord, error) {
	return c.liveFrom(ctx, c.readDB)
}

func (c *SQLiteCatalog) liveFrom(ctx context.Context, db sqlx.QueryerContext) (*PartitionRecord, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, db, &row,
		`SELECT `+selectColumns+` FROM partition_catalog WHERE is_active = 1`)
	if err == sql.ErrNoRows {
		return nil, tberrors.NewCatalogError(tberrors.CodePartitionNotFound, "no live partition record", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to read live record: %w", err)
	}
	return row.toRecord(), nil
}

// MarkActiveClosed implements Catalog. The closed record keeps a NULL
// identifier and the live file path; it marks data awaiting export.
func (c *SQLiteCatalog) MarkActiveClosed(ctx context.Context, asOf time.Time) (*PartitionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var closed *PartitionRecord
	err := store.WithRetry(ctx, c.retry, func() error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("manifest: failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		live, err := c.liveFrom(ctx, tx)
		if err != nil {
			return err
		}
		if asOf.Before(live.StartDate) {
			return tberrors.NewValidationError(tberrors.CodeInvalidQuery,
				fmt.Sprintf("cannot close live period at %s before its start %s", asOf, live.StartDate))
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE partition_catalog SET end_date = ?, is_active = 0, is_archived = 1 WHERE id = ?`,
			asOf.Unix(), live.ID); err != nil {
			return fmt.Errorf("manifest: failed to close live record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO partition_catalog (file_name, file_path, start_date, is_active, is_archived, created_at)
			 VALUES (?, ?, ?, 1, 0, ?)`,
			filepath.Base(c.livePath), c.livePath, asOf.Unix(), time.Now().Unix()); err != nil {
			return fmt.Errorf("manifest: failed to open live record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("manifest: failed to commit transaction: %w", err)
		}

		end := time.Unix(asOf.Unix(), 0)
		live.EndDate = &end
		live.IsActive = false
		live.IsArchived = true
		closed = live
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("live period closed",
		zap.Time("start", closed.StartDate),
		zap.Time("end", *closed.EndDate))
	return closed, nil
}

// ClosedMarkers implements Catalog.
func (c *SQLiteCatalog) ClosedMarkers(ctx context.Context) ([]*PartitionRecord, error) {
	var rows []recordRow
	err := c.readDB.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM partition_catalog
		 WHERE is_active = 0 AND partition_identifier IS NULL ORDER BY start_date`)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list closed markers: %w", err)
	}
	return toRecords(rows), nil
}

// GetByIdentifier implements Catalog.
func (c *SQLiteCatalog) GetByIdentifier(ctx context.Context, identifier string) (*PartitionRecord, error) {
	var row recordRow
	err := c.readDB.GetContext(ctx, &row,
		`SELECT `+selectColumns+` FROM partition_catalog WHERE partition_identifier = ?`, identifier)
	if err == sql.ErrNoRows {
		return nil, tberrors.NewCatalogError(tberrors.CodePartitionNotFound,
			fmt.Sprintf("partition %s not found", identifier), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to get partition: %w", err)
	}
	return row.toRecord(), nil
}

// ListPartitions implements Catalog.
func (c *SQLiteCatalog) ListPartitions(ctx context.Context) ([]*PartitionRecord, error) {
	var rows []recordRow
	err := c.readDB.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM partition_catalog ORDER BY start_date, id`)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list partitions: %w", err)
	}
	return toRecords(rows), nil
}

// TouchAccessed implements Catalog.
func (c *SQLiteCatalog) TouchAccessed(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE partition_catalog SET last_accessed_at = ? WHERE id IN (?)`, at.Unix(), ids)
	if err != nil {
		return fmt.Errorf("manifest: failed to build touch query: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return store.WithRetry(ctx, c.retry, func() error {
		if _, err := c.db.ExecContext(ctx, c.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("manifest: failed to touch partitions: %w", err)
		}
		return nil
	})
}

// Retire implements Catalog.
func (c *SQLiteCatalog) Retire(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return store.WithRetry(ctx, c.retry, func() error {
		res, err := c.db.ExecContext(ctx, `DELETE FROM partition_catalog WHERE id = ? AND is_active = 0`, id)
		if err != nil {
			return fmt.Errorf("manifest: failed to retire record %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tberrors.NewCatalogError(tberrors.CodePartitionNotFound,
				fmt.Sprintf("no retirable record with id %d", id), nil)
		}
		return nil
	})
}

// DeleteExpired implements Catalog.
func (c *SQLiteCatalog) DeleteExpired(ctx context.Context, cutoff time.Time) ([]*PartitionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*PartitionRecord
	err := store.WithRetry(ctx, c.retry, func() error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("manifest: failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		var rows []recordRow
		if err := tx.SelectContext(ctx, &rows,
			`SELECT `+selectColumns+` FROM partition_catalog
			 WHERE is_active = 0 AND partition_identifier IS NOT NULL
			   AND end_date IS NOT NULL AND end_date < ?
			 ORDER BY start_date`, cutoff.Unix()); err != nil {
			return fmt.Errorf("manifest: failed to query expired partitions: %w", err)
		}

		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `DELETE FROM partition_catalog WHERE id = ?`, r.ID); err != nil {
				return fmt.Errorf("manifest: failed to delete partition %d: %w", r.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("manifest: failed to commit transaction: %w", err)
		}
		expired = toRecords(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// Close releases the catalog. The underlying handles belong to store.DB.
func (c *SQLiteCatalog) Close() error {
	return nil
}
