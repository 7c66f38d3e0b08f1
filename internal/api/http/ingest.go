package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/trendbridge/trendbridge/pkg/types"
)

// IngestRequest represents a batch ingest request.
type IngestRequest struct {
	Samples []types.Sample `json:"samples"`
}

// IngestResponse represents the ingest response.
type IngestResponse struct {
	Written   int    `json:"written"`
	RequestID string `json:"request_id"`
}

func (h *TrendlogHandler) ingest(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if h.writer == nil {
		writeError(w, http.StatusMethodNotAllowed, "ingestion is disabled", requestID)
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "samples must not be empty", requestID)
		return
	}
	if h.maxBatchSize > 0 && len(req.Samples) > h.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d samples exceeds the limit of %d", len(req.Samples), h.maxBatchSize), requestID)
		return
	}

	n, err := h.writer.WriteBatch(r.Context(), req.Samples)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{Written: n, RequestID: requestID})
}
