package store

import "strings"

// CreateParentTableSQL creates the parent (signal metadata) table.
// One row per identity tuple.
const CreateParentTableSQL = `
CREATE TABLE IF NOT EXISTS trendlog_parent (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    serial_number INTEGER NOT NULL,
    panel_id INTEGER NOT NULL,
    point_id TEXT NOT NULL,
    point_index INTEGER NOT NULL,
    point_type TEXT NOT NULL,
    digital_analog TEXT NOT NULL DEFAULT '',
    range_field TEXT NOT NULL DEFAULT '',
    units TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (serial_number, panel_id, point_id, point_index, point_type)
)`

// CreateChildTableSQL creates the child (time-series value) table.
const CreateChildTableSQL = `
CREATE TABLE IF NOT EXISTS trendlog_child (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id INTEGER NOT NULL REFERENCES trendlog_parent(id) ON DELETE CASCADE,
    value TEXT NOT NULL,
    logging_time INTEGER NOT NULL,
    logging_time_fmt TEXT NOT NULL,
    data_source TEXT,
    sync_interval INTEGER,
    created_by TEXT
)`

// CreateChildIndexesSQL indexes the child table for time-range scans.
var CreateChildIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_trendlog_child_parent_time ON trendlog_child(parent_id, logging_time)`,
	`CREATE INDEX IF NOT EXISTS idx_trendlog_child_time ON trendlog_child(logging_time)`,
	`CREATE INDEX IF NOT EXISTS idx_trendlog_child_fmt ON trendlog_child(logging_time_fmt)`,
}

// CreateLegacyTableSQL is the flat trend-log table that predates the
// parent/child split. It is only created by tests and by deployments that
// still write the old layout; the migrator reads it.
const CreateLegacyTableSQL = `
CREATE TABLE IF NOT EXISTS trendlog_data (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    serial_number INTEGER NOT NULL,
    panel_id INTEGER NOT NULL,
    point_id TEXT NOT NULL,
    point_index INTEGER NOT NULL,
    point_type TEXT NOT NULL,
    digital_analog TEXT,
    range_field TEXT,
    units TEXT,
    description TEXT,
    value TEXT,
    logging_time TEXT,
    logging_time_fmt TEXT,
    data_source TEXT,
    sync_interval INTEGER,
    created_by TEXT
)`

// CreateMigrationsTableSQL records completed one-shot data migrations by name.
const CreateMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL,
    source_rows INTEGER NOT NULL DEFAULT 0,
    child_rows INTEGER NOT NULL DEFAULT 0
)`

// AllSchemaSQL returns the statements that create the live tables.
func AllSchemaSQL() []string {
	stmts := []string{CreateParentTableSQL, CreateChildTableSQL, CreateMigrationsTableSQL}
	return append(stmts, CreateChildIndexesSQL...)
}

// PartitionSchemaSQL returns the same parent/child layout qualified with an
// attached schema name, for creating the tables inside a partition file.
func PartitionSchemaSQL(schema string) []string {
	qualify := func(stmt, table string) string {
		return strings.Replace(stmt, "IF NOT EXISTS "+table, "IF NOT EXISTS "+schema+"."+table, 1)
	}
	stmts := []string{
		qualify(CreateParentTableSQL, "trendlog_parent"),
		qualify(CreateChildTableSQL, "trendlog_child"),
	}
	for _, idx := range CreateChildIndexesSQL {
		// Index names carry the schema; the table stays unqualified.
		stmts = append(stmts, strings.Replace(idx, "IF NOT EXISTS idx_", "IF NOT EXISTS "+schema+".idx_", 1))
	}
	return stmts
}
