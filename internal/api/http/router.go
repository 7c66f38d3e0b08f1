package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/logging"
)

// Handlers groups the components served over HTTP. A nil field leaves
// its route unregistered.
type Handlers struct {
	Querier    TimeSeriesQuerier
	Writer     BatchWriter
	Config     ConfigStore
	Migrator   Migrator
	Cache      CacheStatsSource
	Partitions PartitionLister
	Roller     RolloverRunner
	Usage      UsageSource

	// MaxBatchSize caps POST /v1/trendlogs; zero means unlimited
	MaxBatchSize int
}

// NewRouter registers every API route behind the default middleware chain.
// extra is applied outside the default chain, e.g. shutdown tracking.
func NewRouter(h Handlers, logger *zap.Logger, extra ...func(http.Handler) http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	mw := ChainMiddleware(append(extra, DefaultMiddleware(logger))...)

	mux := http.NewServeMux()
	if h.Querier != nil {
		mux.Handle("/v1/trendlogs", mw(NewTrendlogHandler(h.Querier, h.Writer, h.MaxBatchSize)))
	}
	if h.Config != nil {
		mux.Handle("/v1/partition-config", mw(NewPartitionConfigHandler(h.Config)))
	}
	if h.Migrator != nil {
		mux.Handle("/v1/migrations/split", mw(NewMigrationHandler(h.Migrator)))
	}
	if h.Cache != nil {
		mux.Handle("/v1/cache/stats", mw(NewCacheStatsHandler(h.Cache)))
	}
	if h.Partitions != nil {
		mux.Handle("/v1/partitions", mw(NewPartitionsHandler(h.Partitions)))
	}
	if h.Roller != nil {
		mux.Handle("/v1/partitions/rollover", mw(NewRolloverHandler(h.Roller)))
	}
	if h.Usage != nil {
		mux.Handle("/v1/query/stats", mw(NewQueryStatsHandler(h.Usage)))
	}
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
