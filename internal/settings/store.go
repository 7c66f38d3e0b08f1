// Package settings persists the partition configuration singleton and serves
// it to readers without locking.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/partition"
	"github.com/trendbridge/trendbridge/internal/store"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// CreatePartitionConfigTableSQL creates the single-row configuration table.
const CreatePartitionConfigTableSQL = `
CREATE TABLE IF NOT EXISTS partition_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    strategy TEXT NOT NULL,
    custom_days INTEGER,
    custom_months INTEGER,
    auto_cleanup_enabled INTEGER NOT NULL DEFAULT 0,
    retention_value INTEGER NOT NULL,
    retention_unit TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

type configRow struct {
	Strategy           string        `db:"strategy"`
	CustomDays         sql.NullInt64 `db:"custom_days"`
	CustomMonths       sql.NullInt64 `db:"custom_months"`
	AutoCleanupEnabled bool          `db:"auto_cleanup_enabled"`
	RetentionValue     int           `db:"retention_value"`
	RetentionUnit      string        `db:"retention_unit"`
	IsActive           bool          `db:"is_active"`
}

func (r configRow) toConfig() types.PartitionConfig {
	cfg := types.PartitionConfig{
		Strategy:           types.PartitionStrategy(r.Strategy),
		AutoCleanupEnabled: r.AutoCleanupEnabled,
		RetentionValue:     r.RetentionValue,
		RetentionUnit:      types.RetentionUnit(r.RetentionUnit),
		IsActive:           r.IsActive,
	}
	if r.CustomDays.Valid {
		v := int(r.CustomDays.Int64)
		cfg.CustomDays = &v
	}
	if r.CustomMonths.Valid {
		v := int(r.CustomMonths.Int64)
		cfg.CustomMonths = &v
	}
	return cfg
}

// Store holds the current PartitionConfig. Readers get an immutable copy;
// Set validates, persists and then swaps the whole value.
type Store struct {
	db      *sqlx.DB
	retry   store.RetryPolicy
	current atomic.Pointer[types.PartitionConfig]
	logger  *zap.Logger
}

// Open loads the configuration row, writing defaults on first start.
func Open(ctx context.Context, db *sql.DB, retry store.RetryPolicy, logger *zap.Logger) (*Store, error) {
	s := &Store{
		db:     sqlx.NewDb(db, "sqlite3"),
		retry:  retry,
		logger: logging.OrNop(logger),
	}

	if _, err := s.db.ExecContext(ctx, CreatePartitionConfigTableSQL); err != nil {
		return nil, fmt.Errorf("settings: failed to initialize schema: %w", err)
	}

	var row configRow
	err := s.db.GetContext(ctx, &row,
		`SELECT strategy, custom_days, custom_months, auto_cleanup_enabled,
		        retention_value, retention_unit, is_active
		 FROM partition_config WHERE id = 1`)
	switch {
	case err == sql.ErrNoRows:
		def := types.DefaultPartitionConfig()
		if err := s.persist(ctx, def); err != nil {
			return nil, err
		}
		s.current.Store(&def)
		s.logger.Info("partition config initialized with defaults", zap.String("strategy", string(def.Strategy)))
	case err != nil:
		return nil, fmt.Errorf("settings: failed to load partition config: %w", err)
	default:
		cfg := row.toConfig()
		s.current.Store(&cfg)
	}
	return s, nil
}

// Get returns the current configuration.
func (s *Store) Get() types.PartitionConfig {
	return *s.current.Load()
}

// Set validates and stores a new configuration. An invalid configuration
// is rejected before anything is written.
func (s *Store) Set(ctx context.Context, cfg types.PartitionConfig) error {
	if err := partition.Validate(cfg); err != nil {
		return err
	}
	if err := s.persist(ctx, cfg); err != nil {
		return err
	}

	prev := s.current.Swap(&cfg)
	s.logger.Info("partition config updated",
		zap.String("strategy", string(cfg.Strategy)),
		zap.Bool("is_active", cfg.IsActive),
		zap.Bool("auto_cleanup_enabled", cfg.AutoCleanupEnabled),
		zap.Int("retention_value", cfg.RetentionValue),
		zap.String("retention_unit", string(cfg.RetentionUnit)),
		zap.String("previous_strategy", string(prev.Strategy)))
	return nil
}

func (s *Store) persist(ctx context.Context, cfg types.PartitionConfig) error {
	err := store.WithRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO partition_config (
				id, strategy, custom_days, custom_months, auto_cleanup_enabled,
				retention_value, retention_unit, is_active, updated_at
			) VALUES (1, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				strategy = excluded.strategy,
				custom_days = excluded.custom_days,
				custom_months = excluded.custom_months,
				auto_cleanup_enabled = excluded.auto_cleanup_enabled,
				retention_value = excluded.retention_value,
				retention_unit = excluded.retention_unit,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at`,
			string(cfg.Strategy), cfg.CustomDays, cfg.CustomMonths, cfg.AutoCleanupEnabled,
			cfg.RetentionValue, string(cfg.RetentionUnit), cfg.IsActive)
		return err
	})
	if err != nil {
		return fmt.Errorf("settings: failed to persist partition config: %w", err)
	}
	return nil
}
