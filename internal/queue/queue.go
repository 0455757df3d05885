package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"studyforge/backend/internal/config"
	"studyforge/backend/internal/middleware"
)

// JobStore is the durable bookkeeping the queue keeps next to the
// broker. Implemented by PostgresStore.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	MarkActive(ctx context.Context, id string) (*Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkDelayed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id, errMsg, stack string) error
	MarkSuperseded(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Job, error)
	ListFailed(ctx context.Context) ([]Job, error)
	ResetFailed(ctx context.Context) ([]Job, error)
	ClearFailed(ctx context.Context) (int64, error)
	ClearCompleted(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Publisher pushes message bodies onto a topic. *nsq.Producer
// satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
	Ping() error
}

// Queue pairs the broker with the job table: every published envelope
// has a row, and every row can be republished after the broker has
// given up on the message.
type Queue struct {
	store       JobStore
	pub         Publisher
	maxAttempts int
}

func New(store JobStore, pub Publisher, maxAttempts int) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{store: store, pub: pub, maxAttempts: maxAttempts}
}

// Enqueue records a waiting job for the material and publishes its
// envelope. The row is written before the publish so a broker outage
// leaves a visible failed job instead of silently lost work.
func (q *Queue) Enqueue(ctx context.Context, materialID, fileURL string) (*Job, error) {
	env := Envelope{
		JobID:         uuid.New().String(),
		Name:          config.JobProcessMaterial,
		MaterialID:    materialID,
		FileURL:       fileURL,
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	job := &Job{
		ID:          env.JobID,
		MaterialID:  materialID,
		Name:        env.Name,
		Payload:     payload,
		Status:      StatusWaiting,
		MaxAttempts: q.maxAttempts,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := q.pub.Publish(config.TopicProcessMaterial, payload); err != nil {
		if markErr := q.store.MarkFailed(ctx, job.ID, "publish: "+err.Error(), ""); markErr != nil {
			slog.ErrorContext(ctx, "failed to mark unpublished job", "job_id", job.ID, "error", markErr)
		}
		return nil, fmt.Errorf("publish job: %w", err)
	}

	slog.InfoContext(ctx, "job enqueued", "job_id", job.ID, "material_id", materialID)
	return job, nil
}

// RetryFailed returns every failed job to the wire. Jobs whose
// republish fails flip back to failed and do not abort the rest.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	jobs, err := q.store.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range jobs {
		if err := q.pub.Publish(config.TopicProcessMaterial, job.Payload); err != nil {
			slog.ErrorContext(ctx, "failed to republish job", "job_id", job.ID, "error", err)
			if markErr := q.store.MarkFailed(ctx, job.ID, "republish: "+err.Error(), ""); markErr != nil {
				slog.ErrorContext(ctx, "failed to mark unpublished job", "job_id", job.ID, "error", markErr)
			}
			continue
		}
		requeued++
	}
	return requeued, nil
}

// Status reports queue health for the operator endpoints. A failing
// store or broker degrades to available=false instead of an error.
type Status struct {
	Available bool           `json:"available"`
	Error     string         `json:"error,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
}

func (q *Queue) Status(ctx context.Context) Status {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Status{Available: false, Error: err.Error()}
	}
	for _, status := range Statuses {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	if err := q.pub.Ping(); err != nil {
		return Status{Available: false, Error: err.Error(), Counts: counts}
	}
	return Status{Available: true, Counts: counts}
}

func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) FailedJobs(ctx context.Context) ([]Job, error) {
	return q.store.ListFailed(ctx)
}

func (q *Queue) ClearFailed(ctx context.Context) (int64, error) {
	return q.store.ClearFailed(ctx)
}

func (q *Queue) ClearCompleted(ctx context.Context) (int64, error) {
	return q.store.ClearCompleted(ctx)
}
