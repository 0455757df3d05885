package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"studyforge/backend/features/material"
	"studyforge/backend/internal/middleware"
	"studyforge/backend/internal/monitor"
	"studyforge/backend/internal/queue"
	"studyforge/backend/internal/segment"
)

// Materials is the slice of the material service the operator surface
// drives. Ownership checks do not apply here.
type Materials interface {
	ForceReprocess(ctx context.Context, id string) (*material.Material, error)
	ReprocessFailed(ctx context.Context) (int, error)
	Segments(ctx context.Context, id string) ([]segment.Segment, error)
	ClearArtifacts(ctx context.Context, id string) error
}

// Sweeper exposes the staleness monitor's levers.
type Sweeper interface {
	RequeuePending(ctx context.Context) ([]monitor.StaleMaterial, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	Counts(ctx context.Context) (monitor.Counts, error)
	StaleAfter() time.Duration
}

// Jobs exposes queue bookkeeping. None of these touch material state.
type Jobs interface {
	Status(ctx context.Context) queue.Status
	Job(ctx context.Context, id string) (*queue.Job, error)
	FailedJobs(ctx context.Context) ([]queue.Job, error)
	RetryFailed(ctx context.Context) (int, error)
	ClearFailed(ctx context.Context) (int64, error)
	ClearCompleted(ctx context.Context) (int64, error)
}

type Handler struct {
	materials Materials
	sweeper   Sweeper
	jobs      Jobs
}

func NewHandler(materials Materials, sweeper Sweeper, jobs Jobs) *Handler {
	return &Handler{materials: materials, sweeper: sweeper, jobs: jobs}
}

// ReprocessStuck replays the enqueue for every PENDING document.
func (h *Handler) ReprocessStuck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "reprocessing stuck materials", "correlationId", middleware.GetCorrelationID(ctx))

	requeued, err := h.sweeper.RequeuePending(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to requeue pending materials", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	ids := make([]string, 0, len(requeued))
	for _, m := range requeued {
		ids = append(ids, m.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"requeued":  len(ids),
			"materials": ids,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// ReprocessStale resets documents stuck past the threshold and
// requeues them. The body may override the default threshold.
func (h *Handler) ReprocessStale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		StaleMinutes int `json:"staleMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(ctx, w, "BAD_REQUEST", "Invalid JSON body", http.StatusBadRequest)
		return
	}

	olderThan := h.sweeper.StaleAfter()
	if req.StaleMinutes > 0 {
		olderThan = time.Duration(req.StaleMinutes) * time.Minute
	}

	slog.InfoContext(ctx, "reprocessing stale materials", "older_than", olderThan, "correlationId", middleware.GetCorrelationID(ctx))

	n, err := h.sweeper.RequeueStale(ctx, olderThan)
	if err != nil {
		slog.ErrorContext(ctx, "failed to requeue stale materials", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"requeued":         n,
			"olderThanMinutes": int(olderThan.Minutes()),
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// ForceReprocess restarts one document's pipeline regardless of state.
func (h *Handler) ForceReprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	slog.InfoContext(ctx, "force reprocessing material", "material_id", id, "correlationId", middleware.GetCorrelationID(ctx))

	m, err := h.materials.ForceReprocess(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(ctx, w, "NOT_FOUND", "Material not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to force reprocess", "material_id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": m}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// ReprocessFailed returns every FAILED document to the queue.
func (h *Handler) ReprocessFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "reprocessing failed materials", "correlationId", middleware.GetCorrelationID(ctx))

	n, err := h.materials.ReprocessFailed(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to requeue failed materials", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]int{"requeued": n},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// StuckCount reports pipeline occupancy.
func (h *Handler) StuckCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.sweeper.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count stuck materials", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": counts}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// QueueStatus reports broker and job-table health. An unreachable
// backend degrades inside Status, so this always answers 200.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := h.jobs.Status(ctx)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": status}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) FailedJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := h.jobs.FailedJobs(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list failed jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("jobId")

	job, err := h.jobs.Job(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to load job", "job_id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": job}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// RetryFailed republishes every failed job. Attempt history stays on
// the job rows.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "retrying failed jobs", "correlationId", middleware.GetCorrelationID(ctx))

	n, err := h.jobs.RetryFailed(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retry jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]int{"requeued": n},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	h.clearJobs(w, r, h.jobs.ClearFailed)
}

func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	h.clearJobs(w, r, h.jobs.ClearCompleted)
}

func (h *Handler) clearJobs(w http.ResponseWriter, r *http.Request, clear func(context.Context) (int64, error)) {
	ctx := r.Context()

	n, err := clear(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to clear jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]int64{"cleared": n},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

type segmentPreview struct {
	Index      int    `json:"index"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	TokenCount int    `json:"token_count"`
	Source     string `json:"source"`
	Preview    string `json:"preview"`
}

// Segments is a debug view of what segmentation produced for one
// document.
func (h *Handler) Segments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	segs, err := h.materials.Segments(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list segments", "material_id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	totalTokens := 0
	previews := make([]segmentPreview, 0, len(segs))
	for _, s := range segs {
		totalTokens += s.TokenCount
		previews = append(previews, segmentPreview{
			Index:      s.Index,
			PageStart:  s.PageStart,
			PageEnd:    s.PageEnd,
			TokenCount: s.TokenCount,
			Source:     s.Source,
			Preview:    preview(s.Body, 160),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]interface{}{
			"materialId":  id,
			"count":       len(segs),
			"totalTokens": totalTokens,
			"segments":    previews,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// ClearCache drops the cached derived artifacts without touching
// pipeline state.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	slog.InfoContext(ctx, "clearing artifact cache", "material_id", id, "correlationId", middleware.GetCorrelationID(ctx))

	if err := h.materials.ClearArtifacts(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(ctx, w, "NOT_FOUND", "Material not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to clear artifact cache", "material_id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": map[string]bool{"cleared": true},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
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
