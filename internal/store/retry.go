package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
)

// RetryPolicy controls how lock contention is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 6 attempts starting at 50ms, doubling, capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Backoff returns the delay after the given zero-based failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// IsLockError reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// WithRetry runs op and retries it with exponential backoff while it fails
// with a lock error. Other errors are returned unchanged. When the attempts
// run out the last error is wrapped in a LOCK_CONTENTION error.
func WithRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsLockError(lastErr) {
			return lastErr
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Backoff(attempt)):
			}
		}
	}
	return tberrors.NewLockContentionError(attempts, lastErr)
}
