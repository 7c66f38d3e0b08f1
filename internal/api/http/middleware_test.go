package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDPropagation(t *testing.T) {
	var seen, correlation string
	h := DefaultMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		correlation = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", correlation, "correlation id falls back to the request id")
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRecoveryAndAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := DefaultMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/partitions", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("handler panic").Len())

	access := logs.FilterMessage("http request").All()
	if assert.Len(t, access, 1) {
		fields := access[0].ContextMap()
		assert.Equal(t, int64(http.StatusInternalServerError), fields["status"])
		assert.Equal(t, "/v1/partitions", fields["path"])
	}
}
