package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), zap.NewNop())

	var order []string
	for _, name := range []string{"db", "catalog", "http"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, []string{"http", "catalog", "db"}, order)
	assert.True(t, sm.IsShuttingDown())

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}

	// Second call is a no-op.
	require.NoError(t, sm.Shutdown(context.Background(), "again"))
	assert.Len(t, order, 3)
}

func TestShutdownReportsFirstCloseError(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), zap.NewNop())
	boom := errors.New("boom")
	sm.RegisterCloser("db", CloserFunc(func() error { return boom }))

	err := sm.Shutdown(context.Background(), "test")
	assert.ErrorIs(t, err, boom)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: time.Second}, zap.NewNop())
	require.True(t, sm.TrackRequest())

	go func() {
		time.Sleep(100 * time.Millisecond)
		sm.UntrackRequest()
	}()

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, int64(0), sm.InFlightCount())
}

func TestShutdownDrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 100 * time.Millisecond}, zap.NewNop())
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown(context.Background(), "test")
	assert.Error(t, err)
}

func TestShutdownMiddlewareRejectsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), zap.NewNop())
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), sm.InFlightCount())

	require.NoError(t, sm.Shutdown(context.Background(), "test"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenForSignalsContextCancelled(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.ListenForSignals(ctx))
	assert.True(t, sm.IsShuttingDown())
}
