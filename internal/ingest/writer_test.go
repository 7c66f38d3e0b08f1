package ingest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/cache"
	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/store"
	"github.com/trendbridge/trendbridge/pkg/types"
)

func newTestWriter(t *testing.T) (*store.DB, *Writer, *cache.ClearingCache) {
	t.Helper()
	db, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "live.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := cache.NewClearingCache(100)
	w := NewWriter(db.Writer, NewResolver(c, zap.NewNop()), WriterConfig{Location: time.UTC}, zap.NewNop())
	return db, w, c
}

func sample(index int64, ts int64, value string) types.Sample {
	s := spec(index)
	return types.Sample{Identity: s.Identity, Meta: s.Meta, Value: value, LoggingTime: ts}
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestWriteBatch(t *testing.T) {
	db, w, c := newTestWriter(t)
	ctx := context.Background()
	src := "websocket"

	batch := []types.Sample{
		sample(1, 1736942400, "21.5"), // 2025-01-15 12:00:00 UTC
		sample(2, 1736942400, "1"),
		sample(1, 1736942460, "21.7"),
	}
	batch[0].DataSource = &src

	n, err := w.WriteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, count(t, db.Writer, "trendlog_parent"))
	assert.Equal(t, 3, count(t, db.Writer, "trendlog_child"))
	assert.Equal(t, 2, c.Len(), "new parents are cached after commit")

	var fmtTime string
	var ds sql.NullString
	require.NoError(t, db.Writer.QueryRow(
		`SELECT logging_time_fmt, data_source FROM trendlog_child ORDER BY id LIMIT 1`).Scan(&fmtTime, &ds))
	assert.Equal(t, "2025-01-15 12:00:00", fmtTime)
	assert.Equal(t, "websocket", ds.String)

	// Same identities again: no new parents.
	_, err = w.WriteBatch(ctx, []types.Sample{sample(1, 1736942520, "21.9"), sample(2, 1736942520, "0")})
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, db.Writer, "trendlog_parent"))
	assert.Equal(t, 5, count(t, db.Writer, "trendlog_child"))
}

func TestWriteBatchLargeBatchChunks(t *testing.T) {
	db, w, _ := newTestWriter(t)

	batch := make([]types.Sample, 0, 450)
	for i := 0; i < 450; i++ {
		batch = append(batch, sample(int64(i%150), 1736942400+int64(i), "1"))
	}
	n, err := w.WriteBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 450, n)
	assert.Equal(t, 150, count(t, db.Writer, "trendlog_parent"))
	assert.Equal(t, 450, count(t, db.Writer, "trendlog_child"))
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	_, w, _ := newTestWriter(t)
	n, err := w.WriteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteBatchRejectsInvalidSample(t *testing.T) {
	db, w, _ := newTestWriter(t)
	bad := sample(1, 1736942400, "1")
	bad.Identity.PointType = ""

	_, err := w.WriteBatch(context.Background(), []types.Sample{sample(2, 1736942400, "1"), bad})
	require.Error(t, err)
	assert.Equal(t, tberrors.CodeInvalidSample, tberrors.GetCode(err))
	assert.Equal(t, 0, count(t, db.Writer, "trendlog_child"))
}

func TestRolledBackParentsAreNotCached(t *testing.T) {
	db, w, c := newTestWriter(t)
	ctx := context.Background()

	tx, err := db.Writer.BeginTx(ctx, nil)
	require.NoError(t, err)
	ids, _, err := w.resolver.BatchGetOrCreateTx(ctx, tx, []types.ParentSpec{spec(1)})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, tx.Rollback())

	_, ok := c.Get(spec(1).Identity)
	assert.False(t, ok, "id from a rolled back transaction must not be cached")
	assert.Equal(t, 0, count(t, db.Writer, "trendlog_parent"))

	// The identity resolves to a fresh committed row afterwards.
	_, err = w.WriteBatch(ctx, []types.Sample{sample(1, 1736942400, "1")})
	require.NoError(t, err)

	var parentID int64
	require.NoError(t, db.Writer.QueryRow(`SELECT id FROM trendlog_parent`).Scan(&parentID))
	cached, ok := c.Get(spec(1).Identity)
	require.True(t, ok)
	assert.Equal(t, parentID, cached)
}
