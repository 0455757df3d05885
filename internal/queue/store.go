package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const (
	StatusWaiting    = "waiting"
	StatusActive     = "active"
	StatusDelayed    = "delayed"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSuperseded = "superseded"
)

// Statuses lists every job status a row can hold, in lifecycle order.
var Statuses = []string{StatusWaiting, StatusActive, StatusDelayed, StatusCompleted, StatusFailed, StatusSuperseded}

// Job is the durable bookkeeping row behind a published envelope. The
// row outlives the message so operators can inspect and retry work
// after the broker has dropped it.
type Job struct {
	ID            string          `json:"id"`
	MaterialID    string          `json:"material_id"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Error         string          `json:"error,omitempty"`
	ErrorStack    string          `json:"error_stack,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a waiting job row. The caller supplies the ID so the
// published envelope and the row share it.
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO pipeline_jobs (id, material_id, name, payload, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING enqueued_at`
	return s.db.QueryRowContext(ctx, query,
		job.ID, job.MaterialID, job.Name, job.Payload, StatusWaiting, job.MaxAttempts,
	).Scan(&job.EnqueuedAt)
}

// MarkActive claims the row for one delivery attempt and bumps the
// attempt counter. Rows that already reached a terminal status are not
// claimable; callers get sql.ErrNoRows and should drop the delivery.
func (s *PostgresStore) MarkActive(ctx context.Context, id string) (*Job, error) {
	query := `
		UPDATE pipeline_jobs
		SET status = $2, attempts = attempts + 1, started_at = NOW(), next_attempt_at = NULL
		WHERE id = $1 AND status IN ($3, $4, $5)
		RETURNING material_id, name, payload, attempts, max_attempts`
	job := &Job{ID: id, Status: StatusActive}
	err := s.db.QueryRowContext(ctx, query, id, StatusActive, StatusWaiting, StatusDelayed, StatusActive).
		Scan(&job.MaterialID, &job.Name, &job.Payload, &job.Attempts, &job.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// MarkCompleted finishes the row and clears any error from earlier
// attempts.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE pipeline_jobs
		SET status = $2, error = NULL, error_stack = NULL, finished_at = NOW(), next_attempt_at = NULL
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, StatusCompleted)
	return err
}

// MarkDelayed parks the row between delivery attempts. The broker owns
// the actual redelivery clock; next_attempt_at is recorded for
// operators.
func (s *PostgresStore) MarkDelayed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	query := `
		UPDATE pipeline_jobs
		SET status = $2, error = $3, next_attempt_at = $4
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, StatusDelayed, errMsg, nextAttemptAt)
	return err
}

// MarkSuperseded closes the row of a delivery that lost its claim to a
// newer run. Superseded rows are terminal and never retried.
func (s *PostgresStore) MarkSuperseded(ctx context.Context, id string) error {
	query := `
		UPDATE pipeline_jobs
		SET status = $2, finished_at = NOW(), next_attempt_at = NULL
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, StatusSuperseded)
	return err
}

// MarkFailed finishes the row with the error that exhausted it.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg, stack string) error {
	query := `
		UPDATE pipeline_jobs
		SET status = $2, error = $3, error_stack = $4, finished_at = NOW(), next_attempt_at = NULL
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, StatusFailed, errMsg, stack)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	query := `
		SELECT id, material_id, name, payload, status, attempts, max_attempts,
		       COALESCE(error, ''), COALESCE(error_stack, ''),
		       enqueued_at, started_at, finished_at, next_attempt_at
		FROM pipeline_jobs
		WHERE id = $1`
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) ListFailed(ctx context.Context) ([]Job, error) {
	query := `
		SELECT id, material_id, name, payload, status, attempts, max_attempts,
		       COALESCE(error, ''), COALESCE(error_stack, ''),
		       enqueued_at, started_at, finished_at, next_attempt_at
		FROM pipeline_jobs
		WHERE status = $1
		ORDER BY enqueued_at DESC`
	rows, err := s.db.QueryContext(ctx, query, StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ResetFailed returns every failed row to waiting so it can be
// republished. Attempt counters and error history stay on the row.
func (s *PostgresStore) ResetFailed(ctx context.Context) ([]Job, error) {
	query := `
		UPDATE pipeline_jobs
		SET status = $1, finished_at = NULL, next_attempt_at = NULL
		WHERE status = $2
		RETURNING id, material_id, name, payload, attempts, max_attempts`
	rows, err := s.db.QueryContext(ctx, query, StatusWaiting, StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job := Job{Status: StatusWaiting}
		if err := rows.Scan(&job.ID, &job.MaterialID, &job.Name, &job.Payload, &job.Attempts, &job.MaxAttempts); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ClearFailed(ctx context.Context) (int64, error) {
	return s.clearByStatus(ctx, StatusFailed)
}

func (s *PostgresStore) ClearCompleted(ctx context.Context) (int64, error) {
	return s.clearByStatus(ctx, StatusCompleted)
}

func (s *PostgresStore) clearByStatus(ctx context.Context, status string) (int64, error) {
	query := `DELETE FROM pipeline_jobs WHERE status = $1`
	res, err := s.db.ExecContext(ctx, query, status)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus reports row counts keyed by status. Statuses with no
// rows are absent from the map.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM pipeline_jobs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var started, finished, next sql.NullTime
	err := row.Scan(
		&job.ID, &job.MaterialID, &job.Name, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.Error, &job.ErrorStack,
		&job.EnqueuedAt, &started, &finished, &next,
	)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if finished.Valid {
		job.FinishedAt = &finished.Time
	}
	if next.Valid {
		job.NextAttemptAt = &next.Time
	}
	return &job, nil
}
