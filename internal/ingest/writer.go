package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/store"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// childChunk bounds child rows per INSERT (7 variables each).
const childChunk = 100

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Retry controls lock-contention retries of a whole batch
	Retry store.RetryPolicy

	// Location formats logging_time_fmt
	Location *time.Location
}

// Writer appends sample batches to the live tables.
type Writer struct {
	db       *sql.DB
	resolver *Resolver
	config   WriterConfig
	logger   *zap.Logger
}

// NewWriter creates a writer. db must be the single-writer handle.
func NewWriter(db *sql.DB, resolver *Resolver, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = store.DefaultRetryPolicy()
	}
	return &Writer{
		db:       db,
		resolver: resolver,
		config:   cfg,
		logger:   logging.OrNop(logger),
	}
}

// WriteBatch stores samples in one transaction: parents are resolved first,
// then child rows are bulk-inserted. The transaction is retried as a whole
// on lock contention. Returns the number of child rows written.
func (w *Writer) WriteBatch(ctx context.Context, samples []types.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	for i, s := range samples {
		if err := validateSample(s); err != nil {
			return 0, tberrors.NewValidationError(tberrors.CodeInvalidSample,
				fmt.Sprintf("sample %d: %v", i, err))
		}
	}

	specs := make([]types.ParentSpec, len(samples))
	for i, s := range samples {
		specs[i] = types.ParentSpec{Identity: s.Identity, Meta: s.Meta}
	}

	start := time.Now()
	var publish func()
	err := store.WriteTx(ctx, w.db, w.config.Retry, func(tx *sql.Tx) error {
		parentIDs, pub, err := w.resolver.BatchGetOrCreateTx(ctx, tx, specs)
		if err != nil {
			return err
		}
		for begin := 0; begin < len(samples); begin += childChunk {
			end := min(begin+childChunk, len(samples))
			if err := w.insertChildren(ctx, tx, samples[begin:end], parentIDs[begin:end]); err != nil {
				return err
			}
		}
		publish = pub
		return nil
	})
	if err != nil {
		w.logger.Warn("batch write failed", zap.Int("samples", len(samples)), zap.Error(err))
		return 0, err
	}
	publish()

	w.logger.Debug("batch written",
		zap.Int("samples", len(samples)),
		zap.Duration("duration", time.Since(start)))
	return len(samples), nil
}

func (w *Writer) insertChildren(ctx context.Context, tx *sql.Tx, samples []types.Sample, parentIDs []int64) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO trendlog_child
		(parent_id, value, logging_time, logging_time_fmt, data_source, sync_interval, created_by) VALUES `)
	args := make([]any, 0, len(samples)*7)
	for i, s := range samples {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			parentIDs[i],
			s.Value,
			s.LoggingTime,
			types.FormatLoggingTime(s.LoggingTime, w.config.Location),
			s.DataSource,
			s.SyncInterval,
			s.CreatedBy,
		)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("ingest: failed to insert samples: %w", err)
	}
	return nil
}

func validateSample(s types.Sample) error {
	if s.Identity.PointID == "" {
		return fmt.Errorf("point_id is required")
	}
	if s.Identity.PointType == "" {
		return fmt.Errorf("point_type is required")
	}
	if s.LoggingTime <= 0 {
		return fmt.Errorf("logging_time must be a positive unix timestamp")
	}
	return nil
}
