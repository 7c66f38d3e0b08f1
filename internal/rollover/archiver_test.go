package rollover

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/manifest"
	"github.com/trendbridge/trendbridge/internal/query/executor"
	"github.com/trendbridge/trendbridge/internal/storage"
)

func newArchiver(t *testing.T) (*Archiver, *storage.LocalStorage) {
	t.Helper()
	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewArchiver(objects, t.TempDir(), zap.NewNop()), objects
}

func TestArchiveAndRestore(t *testing.T) {
	archiver, objects := newArchiver(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("trendlog partition page "), 4096)
	path := filepath.Join(t.TempDir(), "trendlog_2025-01.db")
	require.NoError(t, os.WriteFile(path, content, 0644))
	rec := &manifest.PartitionRecord{FileName: "trendlog_2025-01.db", FilePath: path}

	objectPath, err := archiver.Archive(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "partitions/trendlog_2025-01.db.sz", objectPath)

	exists, err := objects.Exists(ctx, objectPath)
	require.NoError(t, err)
	assert.True(t, exists)

	dest := filepath.Join(t.TempDir(), "restored", "trendlog_2025-01.db")
	require.NoError(t, archiver.Restore(ctx, rec, dest))
	restored, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, restored)

	require.NoError(t, archiver.Remove(ctx, rec))
	exists, err = objects.Exists(ctx, objectPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestoreMissingArchive(t *testing.T) {
	archiver, _ := newArchiver(t)
	rec := &manifest.PartitionRecord{FileName: "trendlog_1999-01.db"}

	err := archiver.Restore(context.Background(), rec, filepath.Join(t.TempDir(), "x.db"))
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestRolloverArchivesExportedFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.catalog.EnsureLive(ctx, at(2025, 1, 1, 0, 0, 0))
	require.NoError(t, err)
	e.insert(t, "IN1", at(2025, 1, 10, 0, 0, 0))

	archiver, objects := newArchiver(t)
	result, err := e.roller(monthly(), archiver).Rollover(ctx, at(2025, 2, 3, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)

	exists, err := objects.Exists(ctx, ObjectPath("trendlog_2025-01.db"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestQueryRestoresMissingPartitionFromArchive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.catalog.EnsureLive(ctx, at(2025, 1, 1, 0, 0, 0))
	require.NoError(t, err)
	e.insert(t, "IN1", at(2025, 1, 10, 0, 0, 0))
	e.insert(t, "IN1", at(2025, 1, 20, 0, 0, 0))

	archiver, _ := newArchiver(t)
	result, err := e.roller(monthly(), archiver).Rollover(ctx, at(2025, 2, 3, 0, 0, 0))
	require.NoError(t, err)
	require.Equal(t, 1, result.Archived)
	janFile := result.Exported[0].FilePath
	require.NoError(t, os.Remove(janFile))

	q := executor.TimeRangeQuery{Start: at(2025, 1, 1, 0, 0, 0), End: at(2025, 1, 31, 0, 0, 0)}

	// Without an archive to fall back on the missing file fails the query.
	plain := executor.NewFederatedExecutor(e.db.Reader, e.catalog, monthly(),
		executor.ExecutorConfig{PartitionDir: e.partitionDir}, zap.NewNop())
	_, err = plain.Query(ctx, q)
	require.Error(t, err)

	exec := executor.NewFederatedExecutor(e.db.Reader, e.catalog, monthly(),
		executor.ExecutorConfig{PartitionDir: e.partitionDir, Restorer: archiver}, zap.NewNop())
	qr, err := exec.Query(ctx, q)
	require.NoError(t, err)
	assert.Len(t, qr.Records, 2)
	assert.Equal(t, 1, qr.Stats.PartitionsScanned)
	assert.FileExists(t, janFile)
}

func TestQueryFailsWhenArchiveCopyIsMissing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.catalog.EnsureLive(ctx, at(2025, 1, 1, 0, 0, 0))
	require.NoError(t, err)
	e.insert(t, "IN1", at(2025, 1, 10, 0, 0, 0))

	result, err := e.roller(monthly(), nil).Rollover(ctx, at(2025, 2, 3, 0, 0, 0))
	require.NoError(t, err)
	require.NoError(t, os.Remove(result.Exported[0].FilePath))

	archiver, _ := newArchiver(t)
	exec := executor.NewFederatedExecutor(e.db.Reader, e.catalog, monthly(),
		executor.ExecutorConfig{PartitionDir: e.partitionDir, Restorer: archiver}, zap.NewNop())
	_, err = exec.Query(ctx, executor.TimeRangeQuery{Start: at(2025, 1, 1, 0, 0, 0), End: at(2025, 1, 31, 0, 0, 0)})
	require.Error(t, err)
	assert.Equal(t, tberrors.CodeAttachFailed, tberrors.GetCode(err))
}

func TestCleanupRemovesExpiredData(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.catalog.EnsureLive(ctx, at(2025, 1, 1, 0, 0, 0))
	require.NoError(t, err)
	e.insert(t, "IN1", at(2025, 1, 10, 0, 0, 0))
	e.insert(t, "IN1", at(2025, 2, 10, 0, 0, 0))

	cfg := monthly()
	cfg.AutoCleanupEnabled = true
	cfg.RetentionValue = 30
	cfg.RetentionUnit = "days"

	archiver, objects := newArchiver(t)
	result, err := e.roller(cfg, archiver).Rollover(ctx, at(2025, 2, 11, 0, 0, 0))
	require.NoError(t, err)
	require.Len(t, result.Exported, 1)
	janFile := result.Exported[0].FilePath

	// An old straggler written straight into the live table.
	e.insert(t, "IN1", at(2025, 1, 25, 0, 0, 0))

	cleaner := NewCleaner(e.db, e.catalog, cfg, archiver, CleanerConfig{}, zap.NewNop())
	cleaned, err := cleaner.Cleanup(ctx, at(2025, 3, 5, 0, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, cleaned)
	assert.Equal(t, []string{"2025-01"}, cleaned.DeletedPartitions)
	assert.Equal(t, int64(1), cleaned.DeletedRows)
	assert.Empty(t, cleaned.Errors)

	assert.NoFileExists(t, janFile)
	exists, err := objects.Exists(ctx, ObjectPath("trendlog_2025-01.db"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1, e.liveCount(t))

	var parents int
	require.NoError(t, e.db.Writer.QueryRow(`SELECT COUNT(*) FROM trendlog_parent`).Scan(&parents))
	assert.Equal(t, 1, parents)
}

func TestCleanupDisabled(t *testing.T) {
	e := newEnv(t)
	e.insert(t, "IN1", at(2020, 1, 1, 0, 0, 0))

	cleaner := NewCleaner(e.db, e.catalog, monthly(), nil, CleanerConfig{}, zap.NewNop())
	result, err := cleaner.Cleanup(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, e.liveCount(t))
}

func TestDaemonRunsOnStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.catalog.EnsureLive(ctx, at(2025, 1, 1, 0, 0, 0))
	require.NoError(t, err)
	e.insert(t, "IN1", at(2025, 1, 10, 0, 0, 0))

	d := NewDaemon(DaemonConfig{CheckInterval: time.Hour}, e.roller(monthly(), nil), nil, zap.NewNop())
	d.now = func() time.Time { return at(2025, 2, 3, 0, 0, 0) }

	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx), "second start must fail")

	require.Eventually(t, func() bool {
		_, err := e.catalog.GetByIdentifier(ctx, "2025-01")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}
