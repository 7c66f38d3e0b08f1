package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/trendbridge/trendbridge/internal/cache"
	"github.com/trendbridge/trendbridge/internal/manifest"
	"github.com/trendbridge/trendbridge/internal/migration"
	"github.com/trendbridge/trendbridge/internal/observability"
	"github.com/trendbridge/trendbridge/internal/rollover"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// ConfigStore reads and replaces the partition configuration.
type ConfigStore interface {
	Get() types.PartitionConfig
	Set(ctx context.Context, cfg types.PartitionConfig) error
}

// Migrator runs the split-table migration.
type Migrator interface {
	Run(ctx context.Context) (*migration.Report, error)
}

// CacheStatsSource reports parent key cache counters.
type CacheStatsSource interface {
	CacheStats() cache.Stats
}

// PartitionLister lists catalog records.
type PartitionLister interface {
	ListPartitions(ctx context.Context) ([]*manifest.PartitionRecord, error)
}

// RolloverRunner closes finished periods on demand.
type RolloverRunner interface {
	Rollover(ctx context.Context, now time.Time) (*rollover.Result, error)
}

// UsageSource reports query usage.
type UsageSource interface {
	Snapshot(n int) observability.Snapshot
}

// PartitionConfigHandler handles GET and PUT /v1/partition-config.
type PartitionConfigHandler struct {
	store ConfigStore
}

// NewPartitionConfigHandler creates a new partition config handler.
func NewPartitionConfigHandler(store ConfigStore) *PartitionConfigHandler {
	return &PartitionConfigHandler{store: store}
}

// ServeHTTP handles the partition config HTTP request.
func (h *PartitionConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.Get())
	case http.MethodPut:
		var cfg types.PartitionConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
			return
		}
		if err := h.store.Set(r.Context(), cfg); err != nil {
			writeErr(w, err, requestID)
			return
		}
		writeJSON(w, http.StatusOK, h.store.Get())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
	}
}

// MigrationHandler handles POST /v1/migrations/split.
type MigrationHandler struct {
	migrator Migrator
}

// NewMigrationHandler creates a new migration handler.
func NewMigrationHandler(migrator Migrator) *MigrationHandler {
	return &MigrationHandler{migrator: migrator}
}

// ServeHTTP handles the migration HTTP request. A report carrying warnings
// is still a success.
func (h *MigrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	report, err := h.migrator.Run(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CacheStatsHandler handles GET /v1/cache/stats.
type CacheStatsHandler struct {
	source CacheStatsSource
}

// NewCacheStatsHandler creates a new cache stats handler.
func NewCacheStatsHandler(source CacheStatsSource) *CacheStatsHandler {
	return &CacheStatsHandler{source: source}
}

// ServeHTTP handles the cache stats HTTP request.
func (h *CacheStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.source.CacheStats())
}

// PartitionsResponse lists catalog records.
type PartitionsResponse struct {
	Partitions []*manifest.PartitionRecord `json:"partitions"`
	RequestID  string                      `json:"request_id"`
}

// PartitionsHandler handles GET /v1/partitions.
type PartitionsHandler struct {
	catalog PartitionLister
}

// NewPartitionsHandler creates a new partitions handler.
func NewPartitionsHandler(catalog PartitionLister) *PartitionsHandler {
	return &PartitionsHandler{catalog: catalog}
}

// ServeHTTP handles the partitions HTTP request.
func (h *PartitionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	records, err := h.catalog.ListPartitions(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if records == nil {
		records = []*manifest.PartitionRecord{}
	}
	writeJSON(w, http.StatusOK, PartitionsResponse{Partitions: records, RequestID: requestID})
}

// RolloverHandler handles POST /v1/partitions/rollover.
type RolloverHandler struct {
	roller RolloverRunner
	now    func() time.Time
}

// NewRolloverHandler creates a new rollover handler.
func NewRolloverHandler(roller RolloverRunner) *RolloverHandler {
	return &RolloverHandler{roller: roller, now: time.Now}
}

// ServeHTTP handles the rollover HTTP request.
func (h *RolloverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	result, err := h.roller.Rollover(r.Context(), h.now())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// QueryStatsHandler handles GET /v1/query/stats?top=N.
type QueryStatsHandler struct {
	source UsageSource
}

// NewQueryStatsHandler creates a new query stats handler.
func NewQueryStatsHandler(source UsageSource) *QueryStatsHandler {
	return &QueryStatsHandler{source: source}
}

// ServeHTTP handles the query stats HTTP request.
func (h *QueryStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	n := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "top must be a positive integer", requestID)
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, h.source.Snapshot(n))
}
