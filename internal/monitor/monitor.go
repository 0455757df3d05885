package monitor

import (
	"context"
	"log/slog"
	"time"

	"studyforge/backend/internal/queue"
)

// StaleMaterial is a document reset from a dead run, ready to requeue.
type StaleMaterial struct {
	ID      string
	FileURL string
}

// Counts summarizes pipeline occupancy for the operator endpoints.
// Stale counts the subset of Processing whose last update is older
// than the staleness threshold; Total is the work a sweep would
// requeue plus what is already waiting.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"activeProcessing"`
	Stale      int `json:"stale"`
	Total      int `json:"total"`
}

// MaterialSweeper finds and resets documents stuck mid-pipeline.
type MaterialSweeper interface {
	ListPending(ctx context.Context) ([]StaleMaterial, error)
	ResetStale(ctx context.Context, olderThan time.Duration) ([]StaleMaterial, error)
	StuckCounts(ctx context.Context, olderThan time.Duration) (Counts, error)
}

// Enqueuer puts a fresh processing job on the wire.
type Enqueuer interface {
	Enqueue(ctx context.Context, materialID, fileURL string) (*queue.Job, error)
}

// Monitor periodically returns documents abandoned by dead workers to
// the queue. A document is considered abandoned when it sits in an
// active stage with no update for longer than the staleness threshold,
// which is well past any single stage's runtime.
type Monitor struct {
	materials  MaterialSweeper
	enqueuer   Enqueuer
	staleAfter time.Duration
	interval   time.Duration
}

func New(materials MaterialSweeper, enqueuer Enqueuer, staleAfter, interval time.Duration) *Monitor {
	return &Monitor{
		materials:  materials,
		enqueuer:   enqueuer,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// StaleAfter is the default staleness threshold the periodic sweep
// uses.
func (m *Monitor) StaleAfter() time.Duration {
	return m.staleAfter
}

// Start runs the sweep on a ticker until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RequeueStale(ctx, m.staleAfter); err != nil {
					slog.ErrorContext(ctx, "stale sweep failed", "error", err)
				}
			}
		}
	}()
}

// RequeueStale resets every document stuck past the threshold to
// PENDING and enqueues a fresh job for it. A document that fails to
// enqueue stays PENDING for the next sweep.
func (m *Monitor) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := m.materials.ResetStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, mat := range stale {
		if _, err := m.enqueuer.Enqueue(ctx, mat.ID, mat.FileURL); err != nil {
			slog.ErrorContext(ctx, "failed to requeue stale material", "material_id", mat.ID, "error", err)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		slog.InfoContext(ctx, "requeued stale materials", "count", requeued, "older_than", olderThan)
	}
	return requeued, nil
}

// RequeuePending enqueues a fresh job for every PENDING document,
// whether or not its original enqueue ever reached the broker. A
// duplicate delivery for a healthy document loses the claim and is
// dropped by the worker.
func (m *Monitor) RequeuePending(ctx context.Context) ([]StaleMaterial, error) {
	pending, err := m.materials.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	requeued := make([]StaleMaterial, 0, len(pending))
	for _, mat := range pending {
		if _, err := m.enqueuer.Enqueue(ctx, mat.ID, mat.FileURL); err != nil {
			slog.ErrorContext(ctx, "failed to requeue pending material", "material_id", mat.ID, "error", err)
			continue
		}
		requeued = append(requeued, mat)
	}

	if len(requeued) > 0 {
		slog.InfoContext(ctx, "requeued pending materials", "count", len(requeued))
	}
	return requeued, nil
}

// Counts reports pipeline occupancy using the default threshold.
func (m *Monitor) Counts(ctx context.Context) (Counts, error) {
	return m.materials.StuckCounts(ctx, m.staleAfter)
}
