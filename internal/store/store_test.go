package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{Path: filepath.Join(t.TempDir(), "live.db"), ReadPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"trendlog_parent", "trendlog_child", "schema_migrations"} {
		var name string
		err := db.Reader.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	var mode string
	require.NoError(t, db.Writer.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.Writer.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestReaderIsReadOnly(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Reader.Exec(`INSERT INTO trendlog_parent (serial_number, panel_id, point_id, point_index, point_type) VALUES (1,1,'IN1',1,'INPUT')`)
	assert.Error(t, err)
}

func TestPartitionSchemaSQL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	conn, err := db.Writer.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	part := filepath.Join(t.TempDir(), "trendlog_2025-01.db")
	_, err = conn.ExecContext(ctx, `ATTACH DATABASE ? AS partition_db`, part)
	require.NoError(t, err)
	for _, stmt := range PartitionSchemaSQL("partition_db") {
		_, err := conn.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}

	var n int
	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM partition_db.sqlite_master WHERE name IN ('trendlog_parent','trendlog_child','idx_trendlog_child_time')`).Scan(&n))
	assert.Equal(t, 3, n)

	_, err = conn.ExecContext(ctx, `DETACH DATABASE partition_db`)
	require.NoError(t, err)
}

func TestIsLockError(t *testing.T) {
	assert.True(t, IsLockError(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsLockError(fmt.Errorf("ingest: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.True(t, IsLockError(errors.New("database is locked")))
	assert.False(t, IsLockError(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, IsLockError(errors.New("no such table")))
	assert.False(t, IsLockError(nil))
}

func TestBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 50*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 1600*time.Millisecond, p.Backoff(5))
	assert.Equal(t, 2*time.Second, p.Backoff(6))
	assert.Equal(t, 2*time.Second, p.Backoff(80))
}

func TestWithRetryRecovers(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint failed")
	err := WithRetry(context.Background(), fastPolicy(5), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustion(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastPolicy(4), func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, tberrors.CodeLockContention, tberrors.GetCode(err))
	assert.True(t, tberrors.IsRetryable(err))
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, fastPolicy(4), func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteTxContendedDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// A second writer handle with a tiny busy timeout sees the lock immediately.
	other, err := sql.Open("sqlite3", WriterDSN(db.Path(), time.Millisecond))
	require.NoError(t, err)
	other.SetMaxOpenConns(1)
	defer other.Close()

	holder, err := db.Writer.Conn(ctx)
	require.NoError(t, err)
	_, err = holder.ExecContext(ctx, `BEGIN IMMEDIATE`)
	require.NoError(t, err)

	err = WriteTx(ctx, other, fastPolicy(3), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO trendlog_parent (serial_number, panel_id, point_id, point_index, point_type) VALUES (1,1,'IN1',1,'INPUT')`)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, tberrors.CodeLockContention, tberrors.GetCode(err))

	_, err = holder.ExecContext(ctx, `ROLLBACK`)
	require.NoError(t, err)
	holder.Close()

	err = WriteTx(ctx, other, fastPolicy(3), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO trendlog_parent (serial_number, panel_id, point_id, point_index, point_type) VALUES (1,1,'IN1',1,'INPUT')`)
		return err
	})
	require.NoError(t, err)
}
