// Package server provides process lifecycle helpers: signal handling,
// in-flight request draining and ordered resource cleanup.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/logging"
)

// ShutdownManager coordinates graceful shutdown. Requests are tracked by
// ShutdownMiddleware; on shutdown new requests are refused, in-flight ones are
// drained, and registered closers run in reverse registration order.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          *zap.Logger

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	inFlight       atomic.Int64
	isShuttingDown atomic.Bool

	closers   []namedCloser
	closersMu sync.Mutex
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests. Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(config ShutdownConfig, logger *zap.Logger) *ShutdownManager {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 15 * time.Second
	}

	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		logger:          logging.OrNop(logger),
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a named closer to run during shutdown (LIFO).
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is cancelled,
// or Shutdown is called elsewhere, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown drains in-flight requests and closes all registered resources.
// Only the first call does any work.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error

	sm.shutdownOnce.Do(func() {
		sm.isShuttingDown.Store(true)
		close(sm.shutdownCh)
		sm.logger.Info("shutdown started", zap.String("reason", reason))

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		if err := sm.drainInFlight(shutdownCtx); err != nil {
			sm.logger.Warn("drain incomplete", zap.Error(err))
			shutdownErr = fmt.Errorf("drain failed: %w", err)
		}

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].closer.Close(); err != nil {
				sm.logger.Error("close failed", zap.String("resource", closers[i].name), zap.Error(err))
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
		sm.logger.Info("shutdown complete")
	})

	return shutdownErr
}

func (sm *ShutdownManager) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sm.inFlight.Load() == 0 {
			return nil
		}

		select {
		case <-drainCtx.Done():
			if remaining := sm.inFlight.Load(); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackRequest increments the in-flight counter. Returns false once
// shutdown has begun.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.isShuttingDown.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest decrements the in-flight counter.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown returns true if shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.isShuttingDown.Load()
}

// InFlightCount returns the current number of in-flight requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh returns a channel that is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// HTTPServerCloser shuts srv down gracefully within timeout.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// ShutdownMiddleware tracks in-flight requests and rejects new ones
// during shutdown.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				http.Error(w, "Service Unavailable - Shutting Down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()

			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
