package migration

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/store"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "live.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createLegacy(t *testing.T, db *store.DB) {
	t.Helper()
	_, err := db.Writer.Exec(store.CreateLegacyTableSQL)
	require.NoError(t, err)
}

func insertLegacy(t *testing.T, db *store.DB, pointID string, units string, loggingTime string) {
	t.Helper()
	_, err := db.Writer.Exec(`INSERT INTO trendlog_data
		(serial_number, panel_id, point_id, point_index, point_type, units, value, logging_time, data_source)
		VALUES (100, 1, ?, 1, 'INPUT', ?, '1.5', ?, 'legacy')`, pointID, units, loggingTime)
	require.NoError(t, err)
}

func newMigrator(db *store.DB) *SplitMigrator {
	return NewSplitMigrator(db.Writer, Options{Location: time.UTC, BatchSize: 25}, zap.NewNop())
}

func count(t *testing.T, db *store.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Writer.QueryRow(query, args...).Scan(&n))
	return n
}

func TestSplitMigrationRoundTrip(t *testing.T) {
	db := openDB(t)
	createLegacy(t, db)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	split := map[string]int{"IN1": 40, "IN2": 30, "OUT1": 30}
	for point, n := range split {
		for i := 0; i < n; i++ {
			units := ""
			if i == n-1 {
				units = "degC"
			}
			insertLegacy(t, db, point, units, fmt.Sprint(base+int64(i*60)))
		}
	}

	report, err := newMigrator(db).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), report.SourceCount)
	assert.Equal(t, int64(3), report.ParentCount)
	assert.Equal(t, int64(3), report.ParentsCreated)
	assert.Equal(t, int64(100), report.ChildCount)
	assert.Empty(t, report.Warnings)

	assert.Equal(t, int64(3), count(t, db, `SELECT COUNT(*) FROM trendlog_parent`))
	for point, n := range split {
		got := count(t, db, `SELECT COUNT(*) FROM trendlog_child c JOIN trendlog_parent p ON p.id = c.parent_id
			WHERE p.point_id = ?`, point)
		assert.Equal(t, int64(n), got, point)
	}

	// Metadata is aggregated per identity.
	assert.Equal(t, int64(3), count(t, db, `SELECT COUNT(*) FROM trendlog_parent WHERE units = 'degC'`))

	// Formatted time is derived when the legacy row has none.
	var formatted string
	require.NoError(t, db.Writer.QueryRow(`SELECT logging_time_fmt FROM trendlog_child ORDER BY logging_time LIMIT 1`).Scan(&formatted))
	assert.Equal(t, "2025-01-01 00:00:00", formatted)

	// The legacy table is left intact.
	assert.Equal(t, int64(100), count(t, db, `SELECT COUNT(*) FROM trendlog_data`))
}

func TestSplitMigrationIsNoOpWhenAlreadyMigrated(t *testing.T) {
	db := openDB(t)
	createLegacy(t, db)
	insertLegacy(t, db, "IN1", "", "1735689600")

	m := newMigrator(db)
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ChildCount)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "already applied")
	assert.Equal(t, int64(1), count(t, db, `SELECT COUNT(*) FROM trendlog_child`))
	assert.Equal(t, int64(1), count(t, db, `SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, MigrationName))
}

func TestSplitMigrationAfterLiveIngestion(t *testing.T) {
	db := openDB(t)
	createLegacy(t, db)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	for i := 0; i < 100; i++ {
		insertLegacy(t, db, "IN1", "", fmt.Sprint(base+int64(i*60)))
	}

	// A sample written through the ingest path before the operator migrates.
	res, err := db.Writer.Exec(`INSERT INTO trendlog_parent (serial_number, panel_id, point_id, point_index, point_type)
		VALUES (100, 1, 'IN1', 1, 'INPUT')`)
	require.NoError(t, err)
	parentID, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.Writer.Exec(`INSERT INTO trendlog_child (parent_id, value, logging_time, logging_time_fmt)
		VALUES (?, '9.0', ?, '2025-02-01 00:00:00')`, parentID, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC).Unix())
	require.NoError(t, err)

	m := newMigrator(db)
	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), report.SourceCount)
	assert.Equal(t, int64(100), report.ChildCount)
	assert.Equal(t, int64(1), report.ParentCount)
	assert.Zero(t, report.ParentsCreated)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, int64(101), count(t, db, `SELECT COUNT(*) FROM trendlog_child WHERE parent_id = ?`, parentID))

	again, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.ChildCount)
	require.Len(t, again.Warnings, 1)
	assert.Contains(t, again.Warnings[0], "already applied")
	assert.Equal(t, int64(101), count(t, db, `SELECT COUNT(*) FROM trendlog_child`))
}

func TestSplitMigrationWithoutLegacyTable(t *testing.T) {
	db := openDB(t)

	report, err := newMigrator(db).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.SourceCount)
	assert.Len(t, report.Warnings, 1)
}

func TestSplitMigrationEmptyLegacyTable(t *testing.T) {
	db := openDB(t)
	createLegacy(t, db)

	report, err := newMigrator(db).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.SourceCount)
	assert.Empty(t, report.Warnings)
}

func TestSplitMigrationTextTimesAndMalformedRows(t *testing.T) {
	db := openDB(t)
	createLegacy(t, db)
	insertLegacy(t, db, "IN1", "", "2025-03-01 12:30:00")
	insertLegacy(t, db, "IN1", "", "yesterday")
	insertLegacy(t, db, "IN1", "", "")

	report, err := newMigrator(db).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.SourceCount)
	assert.Equal(t, int64(1), report.ChildCount)
	assert.Equal(t, int64(2), report.SkippedMalformed)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "INTEGRITY_WARNING")

	var sec int64
	require.NoError(t, db.Writer.QueryRow(`SELECT logging_time FROM trendlog_child`).Scan(&sec))
	assert.Equal(t, time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC).Unix(), sec)
}

func TestSplitMigrationReusesExistingParents(t *testing.T) {
	db := openDB(t)
	createLegacy(t, db)
	_, err := db.Writer.Exec(`INSERT INTO trendlog_parent (id, serial_number, panel_id, point_id, point_index, point_type)
		VALUES (42, 100, 1, 'IN1', 1, 'INPUT')`)
	require.NoError(t, err)
	insertLegacy(t, db, "IN1", "", "1735689600")

	report, err := newMigrator(db).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ChildCount)
	assert.Equal(t, int64(1), report.ParentCount)
	assert.Zero(t, report.ParentsCreated)
	assert.Equal(t, int64(1), count(t, db, `SELECT COUNT(*) FROM trendlog_child WHERE parent_id = 42`))
}

func TestParseLoggingTime(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{"1735689600", 1735689600, true},
		{" 1735689600 ", 1735689600, true},
		{"2025-01-01 00:00:00", 1735689600, true},
		{"0", 0, false},
		{"2025-13-01 00:00:00", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := parseLoggingTime(nullString(tt.raw), time.UTC)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
