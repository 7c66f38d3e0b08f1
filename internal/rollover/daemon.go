package rollover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/logging"
)

// DaemonConfig holds configuration for the rollover daemon.
type DaemonConfig struct {
	// CheckInterval is how often the daemon checks for closed periods.
	CheckInterval time.Duration
}

// Daemon runs rollover and retention cleanup in the background.
type Daemon struct {
	config  DaemonConfig
	roller  *Roller
	cleaner *Cleaner
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a new rollover daemon. cleaner may be nil.
func NewDaemon(config DaemonConfig, roller *Roller, cleaner *Cleaner, logger *zap.Logger) *Daemon {
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Minute
	}
	return &Daemon{
		config:  config,
		roller:  roller,
		cleaner: cleaner,
		now:     time.Now,
		logger:  logging.OrNop(logger),
	}
}

// Start begins the rollover loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("rollover: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the daemon, waiting for an in-flight run.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// Run immediately on start
	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce performs a single cycle: rollover, then retention cleanup.
// Failures are logged and retried on the next tick.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := d.now()
	if _, err := d.roller.Rollover(ctx, now); err != nil {
		d.logger.Error("rollover failed", zap.Error(err))
	}

	if d.cleaner == nil || ctx.Err() != nil {
		return
	}
	if _, err := d.cleaner.Cleanup(ctx, now); err != nil {
		d.logger.Error("retention cleanup failed", zap.Error(err))
	}
}
