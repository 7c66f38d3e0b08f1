// Package store opens the primary SQLite database and provides the
// transaction and lock-retry helpers every writer goes through.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures Open.
type Options struct {
	// Path is the SQLite file of the live database
	Path string

	// BusyTimeout is how long SQLite itself waits on a lock before returning SQLITE_BUSY
	BusyTimeout time.Duration

	// ReadPoolSize is the number of concurrent reader connections
	ReadPoolSize int
}

// DB bundles the single-writer handle and the reader pool of the live database.
type DB struct {
	// Writer has exactly one connection; all mutations go through it
	Writer *sql.DB

	// Reader is a read-only pool used by queries
	Reader *sql.DB

	path string
}

// Open opens (creating if needed) the live database in WAL mode and
// ensures the parent/child schema exists.
func Open(opts Options) (*DB, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	poolSize := opts.ReadPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	writer, err := sql.Open("sqlite3", WriterDSN(opts.Path, busy))
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1) // Single writer
	writer.SetMaxIdleConns(1)

	for _, stmt := range AllSchemaSQL() {
		if _, err := writer.Exec(stmt); err != nil {
			writer.Close()
			return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
		}
	}

	// The file exists now, so the read-only pool can open it.
	reader, err := sql.Open("sqlite3", ReaderDSN(opts.Path, busy))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	reader.SetMaxOpenConns(poolSize)
	reader.SetMaxIdleConns(poolSize)
	reader.SetConnMaxLifetime(5 * time.Minute)

	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("store: failed to connect read database: %w", err)
	}

	return &DB{Writer: writer, Reader: reader, path: opts.Path}, nil
}

// WriterDSN builds the read-write DSN used for the writer connection.
func WriterDSN(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", path, busy.Milliseconds())
}

// ReaderDSN builds the read-only DSN used for the reader pool.
func ReaderDSN(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d&_foreign_keys=on", path, busy.Milliseconds())
}

// Path returns the file path of the live database.
func (d *DB) Path() string {
	return d.path
}

// Close closes both handles.
func (d *DB) Close() error {
	rerr := d.Reader.Close()
	werr := d.Writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// InTx runs fn inside a transaction on db, committing on success and
// rolling back on any error.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// WriteTx runs fn in a transaction and retries the whole transaction when
// the database is locked.
func WriteTx(ctx context.Context, db *sql.DB, policy RetryPolicy, fn func(tx *sql.Tx) error) error {
	return WithRetry(ctx, policy, func() error {
		return InTx(ctx, db, fn)
	})
}
