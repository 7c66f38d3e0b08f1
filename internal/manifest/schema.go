// Package manifest provides the partition catalog: which partition files
// exist, the date range each covers, and which record is the live period.
package manifest

// CreatePartitionCatalogTableSQL creates the catalog table.
// Times are Unix seconds. end_date is NULL while a period is open; a NULL
// partition_identifier marks the live database rather than a partition file.
const CreatePartitionCatalogTableSQL = `
CREATE TABLE IF NOT EXISTS partition_catalog (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_name TEXT NOT NULL,
    file_path TEXT NOT NULL,
    partition_identifier TEXT UNIQUE,
    start_date INTEGER NOT NULL,
    end_date INTEGER,
    is_active INTEGER NOT NULL DEFAULT 0,
    is_archived INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    record_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_accessed_at INTEGER,
    CHECK (end_date IS NULL OR start_date <= end_date)
)`

// CreatePartitionCatalogIndexesSQL creates the catalog indexes.
var CreatePartitionCatalogIndexesSQL = []string{
	// At most one live record
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_partition_catalog_one_active ON partition_catalog(is_active)
		WHERE is_active = 1`,

	// Range lookups over archived partitions
	`CREATE INDEX IF NOT EXISTS idx_partition_catalog_range ON partition_catalog(start_date, end_date)
		WHERE is_active = 0`,
}

// AllSchemaSQL returns all catalog schema statements in execution order.
func AllSchemaSQL() []string {
	return append([]string{CreatePartitionCatalogTableSQL}, CreatePartitionCatalogIndexesSQL...)
}
