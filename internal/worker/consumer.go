package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nsqio/go-nsq"

	"studyforge/backend/internal/config"
	"studyforge/backend/internal/middleware"
	"studyforge/backend/internal/pipeline"
	"studyforge/backend/internal/queue"
)

// PipelineRunner processes one material end to end.
type PipelineRunner interface {
	Run(ctx context.Context, materialID, jobID string) error
	Fail(ctx context.Context, materialID, jobID, reason string) error
}

// JobTracker is the slice of job bookkeeping the consumer drives.
type JobTracker interface {
	MarkActive(ctx context.Context, id string) (*queue.Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkDelayed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id, errMsg, stack string) error
	MarkSuperseded(ctx context.Context, id string) error
}

// ProcessConsumer consumes the materials topic and runs the pipeline
// for each delivery. Returning an error requeues the message;
// returning nil acknowledges it.
type ProcessConsumer struct {
	runner PipelineRunner
	jobs   JobTracker
}

func NewProcessConsumer(runner PipelineRunner, jobs JobTracker) *ProcessConsumer {
	return &ProcessConsumer{runner: runner, jobs: jobs}
}

func (h *ProcessConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var env queue.Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if env.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, env.CorrelationID)
	}

	if env.Name != config.JobProcessMaterial {
		slog.ErrorContext(ctx, "unknown job name, dropping", "name", env.Name, "job_id", env.JobID)
		return nil
	}
	if env.JobID == "" || env.MaterialID == "" {
		slog.ErrorContext(ctx, "missing required fields, dropping", "job_id", env.JobID, "material_id", env.MaterialID)
		return nil
	}

	job, err := h.jobs.MarkActive(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.InfoContext(ctx, "dropping delivery for finished job", "job_id", env.JobID)
			return nil
		}
		slog.ErrorContext(ctx, "failed to claim job", "job_id", env.JobID, "error", err)
		return err // Retry
	}

	return h.process(ctx, job, env)
}

func (h *ProcessConsumer) process(ctx context.Context, job *queue.Job, env queue.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "pipeline panic", "job_id", job.ID, "material_id", env.MaterialID, "panic", r)
			h.failJob(ctx, job, env, fmt.Sprintf("panic: %v", r), string(debug.Stack()))
			err = nil // A panicking payload will panic again, don't retry
		}
	}()

	runErr := h.runner.Run(ctx, env.MaterialID, job.ID)
	if runErr == nil {
		if markErr := h.jobs.MarkCompleted(ctx, job.ID); markErr != nil {
			slog.ErrorContext(ctx, "failed to mark job completed", "job_id", job.ID, "error", markErr)
		}
		return nil
	}

	if errors.Is(runErr, pipeline.ErrSuperseded) {
		slog.InfoContext(ctx, "dropping superseded run", "job_id", job.ID, "material_id", env.MaterialID)
		if markErr := h.jobs.MarkSuperseded(ctx, job.ID); markErr != nil {
			slog.ErrorContext(ctx, "failed to mark job superseded", "job_id", job.ID, "error", markErr)
		}
		return nil
	}

	var stageErr *pipeline.StageError
	if errors.As(runErr, &stageErr) && stageErr.Transient {
		if job.Attempts < job.MaxAttempts {
			backoff := time.Duration(job.Attempts) * 30 * time.Second
			if markErr := h.jobs.MarkDelayed(ctx, job.ID, runErr.Error(), time.Now().Add(backoff)); markErr != nil {
				slog.ErrorContext(ctx, "failed to mark job delayed", "job_id", job.ID, "error", markErr)
			}
			slog.WarnContext(ctx, "transient stage failure, requeueing",
				"job_id", job.ID, "material_id", env.MaterialID,
				"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", runErr)
			return runErr // Retry
		}

		// Exhausted attempts on a transient error fail the job only.
		// The document keeps its last active state so the staleness
		// monitor recovers it once the provider calms down.
		if markErr := h.jobs.MarkFailed(ctx, job.ID, runErr.Error(), ""); markErr != nil {
			slog.ErrorContext(ctx, "failed to mark job failed", "job_id", job.ID, "error", markErr)
		}
		slog.ErrorContext(ctx, "transient stage failure exhausted attempts",
			"job_id", job.ID, "material_id", env.MaterialID,
			"attempts", job.Attempts, "error", runErr)
		return nil
	}

	h.failJob(ctx, job, env, runErr.Error(), "")
	return nil
}

func (h *ProcessConsumer) failJob(ctx context.Context, job *queue.Job, env queue.Envelope, reason, stack string) {
	if err := h.jobs.MarkFailed(ctx, job.ID, reason, stack); err != nil {
		slog.ErrorContext(ctx, "failed to mark job failed", "job_id", job.ID, "error", err)
	}
	if err := h.runner.Fail(ctx, env.MaterialID, job.ID, reason); err != nil {
		slog.ErrorContext(ctx, "failed to mark material failed", "job_id", job.ID, "material_id", env.MaterialID, "error", err)
	}
	slog.ErrorContext(ctx, "pipeline job failed",
		"job_id", job.ID, "material_id", env.MaterialID, "attempt", job.Attempts, "error", reason)
}
