package http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/internal/query/executor"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// TimeSeriesQuerier runs federated time-range queries.
type TimeSeriesQuerier interface {
	Query(ctx context.Context, q executor.TimeRangeQuery) (*executor.QueryResult, error)
}

// BatchWriter appends samples to the live tables.
type BatchWriter interface {
	WriteBatch(ctx context.Context, samples []types.Sample) (int, error)
}

// QueryResponse represents the trendlog query response.
type QueryResponse struct {
	Records   []types.SampleRecord    `json:"records"`
	Stats     executor.ExecutionStats `json:"stats"`
	RequestID string                  `json:"request_id"`
}

// TrendlogHandler handles /v1/trendlogs: GET queries a time range,
// POST ingests a batch.
type TrendlogHandler struct {
	querier      TimeSeriesQuerier
	writer       BatchWriter
	maxBatchSize int
}

// NewTrendlogHandler creates a new trendlog handler. writer may be nil,
// in which case POST is rejected.
func NewTrendlogHandler(querier TimeSeriesQuerier, writer BatchWriter, maxBatchSize int) *TrendlogHandler {
	return &TrendlogHandler{
		querier:      querier,
		writer:       writer,
		maxBatchSize: maxBatchSize,
	}
}

// ServeHTTP handles the trendlog HTTP request.
func (h *TrendlogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.query(w, r)
	case http.MethodPost:
		h.ingest(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
	}
}

func (h *TrendlogHandler) query(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	q, err := parseTimeRangeQuery(r.URL.Query())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	result, err := h.querier.Query(r.Context(), q)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	records := result.Records
	if records == nil {
		records = []types.SampleRecord{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Records:   records,
		Stats:     result.Stats,
		RequestID: requestID,
	})
}

// parseTimeRangeQuery reads start, end and the optional filters from the
// query string. Times are RFC 3339 or Unix seconds.
func parseTimeRangeQuery(values url.Values) (executor.TimeRangeQuery, error) {
	var q executor.TimeRangeQuery
	var err error

	if q.Start, err = parseTime("start", values.Get("start")); err != nil {
		return q, err
	}
	if q.End, err = parseTime("end", values.Get("end")); err != nil {
		return q, err
	}
	if q.Filters.SerialNumber, err = parseOptionalInt("serial_number", values.Get("serial_number")); err != nil {
		return q, err
	}
	if q.Filters.PanelID, err = parseOptionalInt("panel_id", values.Get("panel_id")); err != nil {
		return q, err
	}
	if v := values.Get("point_id"); v != "" {
		q.Filters.PointID = &v
	}
	if v := values.Get("point_type"); v != "" {
		q.Filters.PointType = &v
	}
	return q, q.Validate()
}

func parseTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, tberrors.NewValidationError(tberrors.CodeInvalidQuery, name+" is required")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, tberrors.NewValidationError(tberrors.CodeInvalidQuery,
			fmt.Sprintf("%s must be RFC 3339 or Unix seconds, got %q", name, raw))
	}
	return t, nil
}

func parseOptionalInt(name, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, tberrors.NewValidationError(tberrors.CodeInvalidQuery,
			fmt.Sprintf("%s must be an integer, got %q", name, raw))
	}
	return &n, nil
}
