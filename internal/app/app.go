// Package app wires trendbridge components into a running process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	httpapi "github.com/trendbridge/trendbridge/internal/api/http"
	"github.com/trendbridge/trendbridge/internal/cache"
	"github.com/trendbridge/trendbridge/internal/config"
	"github.com/trendbridge/trendbridge/internal/ingest"
	"github.com/trendbridge/trendbridge/internal/logging"
	"github.com/trendbridge/trendbridge/internal/manifest"
	"github.com/trendbridge/trendbridge/internal/migration"
	"github.com/trendbridge/trendbridge/internal/observability"
	"github.com/trendbridge/trendbridge/internal/query/executor"
	"github.com/trendbridge/trendbridge/internal/rollover"
	"github.com/trendbridge/trendbridge/internal/server"
	"github.com/trendbridge/trendbridge/internal/settings"
	"github.com/trendbridge/trendbridge/internal/storage"
	"github.com/trendbridge/trendbridge/internal/store"
)

// App owns every component of a trendbridge process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	db       *store.DB
	catalog  *manifest.SQLiteCatalog
	settings *settings.Store
	archive  storage.ObjectStorage
	shutdown *server.ShutdownManager

	// Components
	resolver *ingest.Resolver
	usage    *observability.QueryStats
	writer   *ingest.Writer
	executor *executor.FederatedExecutor
	migrator *migration.SplitMigrator
	roller   *rollover.Roller
	cleaner  *rollover.Cleaner
	daemon   *rollover.Daemon

	httpServer *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New resolves and validates cfg, then opens every shared resource.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return nil, err
	}
	if err := a.initComponents(); err != nil {
		a.cleanup()
		return nil, err
	}
	return a, nil
}

func (a *App) retryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
	}
}

// initSharedResources opens the live database, catalog, settings and archive storage.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	a.db, err = store.Open(store.Options{
		Path:         a.cfg.Database.Path,
		BusyTimeout:  a.cfg.Database.BusyTimeout,
		ReadPoolSize: a.cfg.Database.ReadPoolSize,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.logger.Info("database opened",
		zap.String("path", a.cfg.Database.Path),
		zap.Int("read_pool_size", a.cfg.Database.ReadPoolSize))

	a.catalog, err = manifest.NewCatalog(a.db, a.retryPolicy(), a.logger.Named("catalog"))
	if err != nil {
		return fmt.Errorf("failed to initialize partition catalog: %w", err)
	}

	a.settings, err = settings.Open(ctx, a.db.Writer, a.retryPolicy(), a.logger.Named("settings"))
	if err != nil {
		return fmt.Errorf("failed to load partition config: %w", err)
	}

	switch a.cfg.Storage.ArchiveType {
	case config.ArchiveLocal:
		a.archive, err = storage.NewLocalStorage(a.cfg.Storage.ArchivePath)
	case config.ArchiveS3:
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		a.archive, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	a.logger.Info("archive storage initialized",
		zap.String("type", a.cfg.Storage.ArchiveType),
		zap.String("bucket", a.cfg.Storage.S3.Bucket))

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger.Named("shutdown"))
	return nil
}

// initComponents builds the ingest, query, migration and rollover components.
func (a *App) initComponents() error {
	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}
	retry := a.retryPolicy()

	a.resolver = ingest.NewResolver(cache.NewClearingCache(a.cfg.Ingest.CacheMaxEntries), a.logger.Named("resolver"))
	a.writer = ingest.NewWriter(a.db.Writer, a.resolver, ingest.WriterConfig{
		Retry:    retry,
		Location: loc,
	}, a.logger.Named("ingest"))

	var archiver *rollover.Archiver
	var restorer executor.Restorer
	if a.archive != nil {
		archiver = rollover.NewArchiver(a.archive, "", a.logger.Named("archive"))
		restorer = archiver
	}

	// Queries share this lock with everything that moves or deletes partitions.
	partitions := new(sync.RWMutex)

	a.usage = observability.NewQueryStats(a.cfg.Query.StatsWindow)
	a.executor = executor.NewFederatedExecutor(a.db.Reader, a.catalog, a.settings, executor.ExecutorConfig{
		Timeout:       a.cfg.Query.Timeout,
		PartitionDir:  a.cfg.Storage.PartitionDir,
		Recorder:      a.usage,
		PartitionLock: partitions,
		Restorer:      restorer,
	}, a.logger.Named("query"))

	a.migrator = migration.NewSplitMigrator(a.db.Writer, migration.Options{
		Location: loc,
		Retry:    retry,
	}, a.logger.Named("migration"))

	a.roller = rollover.NewRoller(a.db, a.catalog, a.settings, archiver, rollover.Config{
		PartitionDir:  a.cfg.Storage.PartitionDir,
		Location:      loc,
		Retry:         retry,
		PartitionLock: partitions,
	}, a.logger.Named("rollover"))
	a.cleaner = rollover.NewCleaner(a.db, a.catalog, a.settings, archiver, rollover.CleanerConfig{
		Retry:         retry,
		PartitionLock: partitions,
	}, a.logger.Named("retention"))
	a.daemon = rollover.NewDaemon(rollover.DaemonConfig{
		CheckInterval: a.cfg.Rollover.CheckInterval,
	}, a.roller, a.cleaner, a.logger.Named("rollover"))

	return nil
}

// Handler returns the HTTP API of the app.
func (a *App) Handler() http.Handler {
	return httpapi.NewRouter(httpapi.Handlers{
		Querier:      a.executor,
		Writer:       a.writer,
		Config:       a.settings,
		Migrator:     a.migrator,
		Cache:        a.resolver,
		Partitions:   a.catalog,
		Roller:       a.roller,
		Usage:        a.usage,
		MaxBatchSize: a.cfg.Ingest.MaxBatchSize,
	}, a.logger.Named("http"), server.ShutdownMiddleware(a.shutdown))
}

// Start starts the HTTP server and, when enabled, the rollover daemon.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	// Closers run in reverse: HTTP first, then the daemon, then storage.
	a.shutdown.RegisterCloser("database", server.CloserFunc(a.cleanup))
	if a.cfg.Rollover.Enabled {
		a.shutdown.RegisterCloser("rollover", server.CloserFunc(a.daemon.Stop))
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser(a.httpServer, 10*time.Second))

	if a.cfg.Rollover.Enabled {
		if err := a.daemon.Start(ctx); err != nil {
			return fmt.Errorf("failed to start rollover daemon: %w", err)
		}
		a.logger.Info("rollover daemon started", zap.Duration("check_interval", a.cfg.Rollover.CheckInterval))
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("HTTP server listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.logger.Info("trendbridge started")
	return nil
}

// Migrate runs the split-table migration once.
func (a *App) Migrate(ctx context.Context) (*migration.Report, error) {
	return a.migrator.Run(ctx)
}

// WaitForShutdown blocks until a shutdown signal arrives or ctx ends,
// then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.finish()
	return err
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.finish()
	return err
}

func (a *App) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("trendbridge stopped")
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is running; use Stop")
	}
	return a.cleanup()
}

// cleanup releases all shared resources.
func (a *App) cleanup() error {
	var firstErr error
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			firstErr = err
		}
		a.catalog = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.db = nil
	}
	return firstErr
}
