// Package ingest resolves parent rows and writes incoming samples into the
// live parent/child tables.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/cache"
	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/store"
	"github.com/trendbridge/trendbridge/pkg/types"
)

const (
	// lookupChunk bounds identities per SELECT: 5 variables each stays under
	// SQLite's 999 bound-variable limit.
	lookupChunk = 190

	// insertChunk bounds parents per INSERT (9 variables each).
	insertChunk = 100
)

const identityColumns = "serial_number, panel_id, point_id, point_index, point_type"

// Resolver maps identity tuples to parent ids, creating parents on first
// sight. The cache is consulted first; misses go to the database in batches.
type Resolver struct {
	cache  cache.ParentCache
	logger *zap.Logger
}

// NewResolver creates a resolver over the given cache.
func NewResolver(c cache.ParentCache, logger *zap.Logger) *Resolver {
	return &Resolver{cache: c, logger: logging.OrNop(logger)}
}

// CacheStats returns the parent cache counters.
func (r *Resolver) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// GetOrCreate returns the parent id for one identity, inserting the parent
// when it does not exist yet.
func (r *Resolver) GetOrCreate(ctx context.Context, q store.Querier, spec types.ParentSpec) (int64, error) {
	if id, ok := r.cache.Get(spec.Identity); ok {
		return id, nil
	}

	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM trendlog_parent
		 WHERE serial_number = ? AND panel_id = ? AND point_id = ? AND point_index = ? AND point_type = ?`,
		identityArgs(spec.Identity)...).Scan(&id)
	switch {
	case err == nil:
	case err == sql.ErrNoRows:
		err = q.QueryRowContext(ctx,
			`INSERT INTO trendlog_parent (`+identityColumns+`, digital_analog, range_field, units, description)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			parentArgs(spec)...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("ingest: failed to insert parent %s: %w", spec.Identity, err)
		}
	default:
		return 0, fmt.Errorf("ingest: failed to look up parent %s: %w", spec.Identity, err)
	}

	r.cache.Put(spec.Identity, id)
	return id, nil
}

// BatchGetOrCreate resolves every spec and returns the ids in request order.
// Newly created ids are cached immediately, so q must not be an uncommitted
// transaction; use BatchGetOrCreateTx for that.
func (r *Resolver) BatchGetOrCreate(ctx context.Context, q store.Querier, specs []types.ParentSpec) ([]int64, error) {
	ids, publish, err := r.BatchGetOrCreateTx(ctx, q, specs)
	if err != nil {
		return nil, err
	}
	publish()
	return ids, nil
}

// BatchGetOrCreateTx resolves specs inside a caller transaction. Parents that
// already existed are cached right away; parents created by this call are
// cached only when the returned publish func is invoked, which the caller
// does after a successful commit.
//
// Round trips: one SELECT per lookupChunk distinct misses and one
// INSERT ... RETURNING per insertChunk new parents.
func (r *Resolver) BatchGetOrCreateTx(ctx context.Context, q store.Querier, specs []types.ParentSpec) ([]int64, func(), error) {
	resolved := make(map[types.Identity]int64, len(specs))
	var misses []types.ParentSpec
	seen := make(map[types.Identity]struct{})

	for _, spec := range specs {
		if _, dup := seen[spec.Identity]; dup {
			continue
		}
		seen[spec.Identity] = struct{}{}
		if id, ok := r.cache.Get(spec.Identity); ok {
			resolved[spec.Identity] = id
			continue
		}
		misses = append(misses, spec)
	}

	found := make(map[types.Identity]int64)
	for start := 0; start < len(misses); start += lookupChunk {
		end := min(start+lookupChunk, len(misses))
		if err := r.lookup(ctx, q, misses[start:end], found); err != nil {
			return nil, nil, err
		}
	}

	var fresh []types.ParentSpec
	for _, spec := range misses {
		if id, ok := found[spec.Identity]; ok {
			resolved[spec.Identity] = id
		} else {
			fresh = append(fresh, spec)
		}
	}
	r.cache.PutAll(found)

	created := make(map[types.Identity]int64, len(fresh))
	for start := 0; start < len(fresh); start += insertChunk {
		end := min(start+insertChunk, len(fresh))
		if err := r.insert(ctx, q, fresh[start:end], created); err != nil {
			return nil, nil, err
		}
	}
	for id, parentID := range created {
		resolved[id] = parentID
	}

	if len(fresh) > 0 {
		r.logger.Debug("created parents",
			zap.Int("requested", len(specs)),
			zap.Int("found", len(found)),
			zap.Int("created", len(created)))
	}

	ids := make([]int64, len(specs))
	for i, spec := range specs {
		id, ok := resolved[spec.Identity]
		if !ok {
			return nil, nil, fmt.Errorf("ingest: parent %s was not resolved", spec.Identity)
		}
		ids[i] = id
	}

	publish := func() { r.cache.PutAll(created) }
	return ids, publish, nil
}

// lookup selects existing parents for a chunk of identities with one
// OR-ed disjunction of identity conjunctions.
func (r *Resolver) lookup(ctx context.Context, q store.Querier, specs []types.ParentSpec, into map[types.Identity]int64) error {
	var sb strings.Builder
	sb.WriteString("SELECT id, " + identityColumns + " FROM trendlog_parent WHERE ")
	args := make([]any, 0, len(specs)*5)
	for i, spec := range specs {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(serial_number = ? AND panel_id = ? AND point_id = ? AND point_index = ? AND point_type = ?)")
		args = append(args, identityArgs(spec.Identity)...)
	}

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("ingest: failed to look up parents: %w", err)
	}
	defer rows.Close()

	return scanIdentityRows(rows, into)
}

// insert creates a chunk of parents with one multi-row INSERT ... RETURNING.
// Returned rows carry their identity because RETURNING order is unspecified.
func (r *Resolver) insert(ctx context.Context, q store.Querier, specs []types.ParentSpec, into map[types.Identity]int64) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO trendlog_parent (" + identityColumns + ", digital_analog, range_field, units, description) VALUES ")
	args := make([]any, 0, len(specs)*9)
	for i, spec := range specs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, parentArgs(spec)...)
	}
	sb.WriteString(" RETURNING id, " + identityColumns)

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("ingest: failed to insert parents: %w", err)
	}
	defer rows.Close()

	return scanIdentityRows(rows, into)
}

func scanIdentityRows(rows *sql.Rows, into map[types.Identity]int64) error {
	for rows.Next() {
		var id int64
		var ident types.Identity
		if err := rows.Scan(&id, &ident.SerialNumber, &ident.PanelID, &ident.PointID, &ident.PointIndex, &ident.PointType); err != nil {
			return fmt.Errorf("ingest: failed to scan parent: %w", err)
		}
		into[ident] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ingest: error iterating parents: %w", err)
	}
	return nil
}

func identityArgs(id types.Identity) []any {
	return []any{id.SerialNumber, id.PanelID, id.PointID, id.PointIndex, id.PointType}
}

func parentArgs(spec types.ParentSpec) []any {
	return append(identityArgs(spec.Identity),
		spec.Meta.DigitalAnalog, spec.Meta.RangeField, spec.Meta.Units, spec.Meta.Description)
}
