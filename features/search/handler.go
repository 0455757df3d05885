package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"studyforge/backend/internal/middleware"
	"studyforge/backend/internal/retrieval"
)

// Searcher is the retrieval surface the handler needs. Degradation is
// the service's business; by the time a result set arrives here it is
// always servable.
type Searcher interface {
	Search(ctx context.Context, requesterID, query string, opts *retrieval.SearchOptions) []retrieval.SearchResult
}

type Handler struct {
	searcher Searcher
}

func NewHandler(s Searcher) *Handler {
	return &Handler{searcher: s}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaterialID string `json:"material_id"`
	K          int    `json:"k"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	requester := middleware.RequesterID(r)
	if requester == "" {
		h.writeError(r.Context(), w, "UNAUTHORIZED", "Missing user identity", http.StatusUnauthorized)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "BAD_REQUEST", "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Query is required", http.StatusBadRequest)
		return
	}

	opts := &retrieval.SearchOptions{MaterialID: req.MaterialID}
	if req.K > 0 {
		opts.Limit = &req.K
	}

	results := h.searcher.Search(r.Context(), requester, req.Query, opts)

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
