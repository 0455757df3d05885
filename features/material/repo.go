package material

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"studyforge/backend/internal/monitor"
	"studyforge/backend/internal/pipeline"
)

// PostgresRepo persists materials. Besides the service-facing
// Repository it implements pipeline.DocumentStore, whose writes are
// conditioned on the claim triple (id, version, job), and
// monitor.MaterialSweeper for the staleness sweep.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const materialColumns = `id, owner_id, visibility, title, file_url, mime_type, processing_status, COALESCE(processing_error, ''), COALESCE(extraction_source, ''), material_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaterial(row rowScanner) (*Material, error) {
	var m Material
	err := row.Scan(&m.ID, &m.OwnerID, &m.Visibility, &m.Title, &m.FileURL, &m.MimeType,
		&m.ProcessingStatus, &m.ProcessingError, &m.ExtractionSource, &m.Version,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = statusOf(m.ProcessingStatus)
	return &m, nil
}

func (r *PostgresRepo) Create(ctx context.Context, m *Material) error {
	query := `INSERT INTO materials (owner_id, visibility, title, file_url, mime_type, processing_status, material_version) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		m.OwnerID, m.Visibility, m.Title, m.FileURL, m.MimeType, m.ProcessingStatus, m.Version).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}

func (r *PostgresRepo) GetVisible(ctx context.Context, id, requesterID string) (*Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE id = $1 AND (visibility = 'public' OR owner_id = $2)`
	return scanMaterial(r.db.QueryRowContext(ctx, query, id, requesterID))
}

func (r *PostgresRepo) ListByOwner(ctx context.Context, ownerID string) ([]Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var materials []Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		materials = append(materials, *m)
	}
	return materials, rows.Err()
}

func (r *PostgresRepo) Delete(ctx context.Context, id, ownerID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM materials WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *PostgresRepo) Reprocess(ctx context.Context, id string) (*Material, error) {
	query := `UPDATE materials SET material_version = material_version + 1, processing_status = $2, processing_job_id = NULL, processing_error = NULL, updated_at = NOW() WHERE id = $1 RETURNING ` + materialColumns
	return scanMaterial(r.db.QueryRowContext(ctx, query, id, pipeline.StatusPending))
}

func (r *PostgresRepo) ReplaceFile(ctx context.Context, id, fileURL, mimeType string) (*Material, error) {
	query := `UPDATE materials SET file_url = $2, mime_type = $3, material_version = material_version + 1, processing_status = $4, processing_job_id = NULL, processing_error = NULL, updated_at = NOW() WHERE id = $1 RETURNING ` + materialColumns
	return scanMaterial(r.db.QueryRowContext(ctx, query, id, fileURL, mimeType, pipeline.StatusPending))
}

// ResetFailed returns failed documents to PENDING without bumping the
// version: the file did not change, so a retry reuses whatever chunks
// the failed run already embedded.
func (r *PostgresRepo) ResetFailed(ctx context.Context) ([]monitor.StaleMaterial, error) {
	query := `UPDATE materials SET processing_status = $1, processing_job_id = NULL, processing_error = NULL, updated_at = NOW() WHERE processing_status = $2 RETURNING id, file_url`
	rows, err := r.db.QueryContext(ctx, query, pipeline.StatusPending, pipeline.StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStale(rows)
}

// artifactColumns whitelists the cache columns; kind never reaches the
// SQL unchecked.
var artifactColumns = map[string]string{
	ArtifactSummary:    "summary",
	ArtifactKeyPoints:  "key_points",
	ArtifactQuiz:       "quiz",
	ArtifactFlashcards: "flashcards",
}

func (r *PostgresRepo) Artifact(ctx context.Context, id, kind string) (string, int, error) {
	col, ok := artifactColumns[kind]
	if !ok {
		return "", 0, fmt.Errorf("unknown artifact kind %q", kind)
	}
	query := fmt.Sprintf(`SELECT COALESCE(%s::text, ''), COALESCE(%s_version, 0) FROM materials WHERE id = $1`, col, col)

	var content string
	var version int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&content, &version); err != nil {
		return "", 0, err
	}
	return content, version, nil
}

func (r *PostgresRepo) SaveArtifact(ctx context.Context, id, kind, content string, version int) error {
	col, ok := artifactColumns[kind]
	if !ok {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	query := fmt.Sprintf(`UPDATE materials SET %s = $1, %s_version = $2, updated_at = NOW() WHERE id = $3`, col, col)
	_, err := r.db.ExecContext(ctx, query, content, version, id)
	return err
}

func (r *PostgresRepo) ClearArtifacts(ctx context.Context, id string) error {
	query := `UPDATE materials SET summary = NULL, summary_version = NULL, key_points = NULL, key_points_version = NULL, quiz = NULL, quiz_version = NULL, flashcards = NULL, flashcards_version = NULL, updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Claim takes the document for one pipeline run. It succeeds for a
// PENDING document, whichever job got there first, and for a redelivery
// of the job already holding the claim. Anything else lost the race.
func (r *PostgresRepo) Claim(ctx context.Context, id, jobID string) (pipeline.Document, bool, error) {
	query := `UPDATE materials SET processing_status = $3, processing_job_id = $2, processing_error = NULL, updated_at = NOW() WHERE id = $1 AND (processing_status = $4 OR (processing_job_id = $2 AND processing_status NOT IN ($5, $6))) RETURNING material_version, file_url, mime_type`

	doc := pipeline.Document{ID: id, JobID: jobID}
	err := r.db.QueryRowContext(ctx, query, id, jobID,
		pipeline.StatusExtracting, pipeline.StatusPending,
		pipeline.StatusCompleted, pipeline.StatusFailed).
		Scan(&doc.Version, &doc.FileURL, &doc.MimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Document{}, false, nil
	}
	if err != nil {
		return pipeline.Document{}, false, err
	}
	return doc, true, nil
}

func (r *PostgresRepo) MarkOCR(ctx context.Context, doc pipeline.Document) (bool, error) {
	query := `UPDATE materials SET processing_status = $4, updated_at = NOW() WHERE id = $1 AND material_version = $2 AND processing_job_id = $3 AND processing_status = $5`
	return r.claimed(ctx, query, doc.ID, doc.Version, doc.JobID,
		pipeline.StatusOCRExtracting, pipeline.StatusExtracting)
}

func (r *PostgresRepo) SaveExtracted(ctx context.Context, doc pipeline.Document, content, source string, from pipeline.Status) (bool, error) {
	query := `UPDATE materials SET content = $4, extraction_source = $5, processing_status = $6, updated_at = NOW() WHERE id = $1 AND material_version = $2 AND processing_job_id = $3 AND processing_status = $7`
	return r.claimed(ctx, query, doc.ID, doc.Version, doc.JobID,
		content, source, pipeline.StatusCleaning, from)
}

func (r *PostgresRepo) SaveCleaned(ctx context.Context, doc pipeline.Document, content string) (bool, error) {
	query := `UPDATE materials SET content = $4, processing_status = $5, updated_at = NOW() WHERE id = $1 AND material_version = $2 AND processing_job_id = $3 AND processing_status = $6`
	return r.claimed(ctx, query, doc.ID, doc.Version, doc.JobID,
		content, pipeline.StatusSegmenting, pipeline.StatusCleaning)
}

func (r *PostgresRepo) Complete(ctx context.Context, doc pipeline.Document) (bool, error) {
	query := `UPDATE materials SET processing_status = $4, processing_error = NULL, updated_at = NOW() WHERE id = $1 AND material_version = $2 AND processing_job_id = $3 AND processing_status = $5`
	return r.claimed(ctx, query, doc.ID, doc.Version, doc.JobID,
		pipeline.StatusCompleted, pipeline.StatusSegmenting)
}

// Fail is not conditioned on the version: whatever stage the job's run
// reached, the document it claimed is failed. A run that already lost
// its claim affects nothing.
func (r *PostgresRepo) Fail(ctx context.Context, id, jobID, reason string) error {
	query := `UPDATE materials SET processing_status = $3, processing_error = $4, updated_at = NOW() WHERE id = $1 AND processing_job_id = $2 AND processing_status NOT IN ($5, $6)`
	_, err := r.db.ExecContext(ctx, query, id, jobID,
		pipeline.StatusFailed, reason,
		pipeline.StatusCompleted, pipeline.StatusFailed)
	return err
}

func (r *PostgresRepo) claimed(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// activeStatuses are the mid-pipeline states a dead worker can abandon
// a document in. PENDING is not stale: a waiting document with a lost
// enqueue is the operator requeue path, not the monitor's.
func activeStatuses() []string {
	statuses := make([]string, 0, 4)
	for _, s := range pipeline.Active() {
		statuses = append(statuses, string(s))
	}
	return statuses
}

// ListPending returns every document waiting for a worker, however it
// got there. Operator requeues use it to replay enqueues that never
// reached the broker.
func (r *PostgresRepo) ListPending(ctx context.Context) ([]monitor.StaleMaterial, error) {
	query := `SELECT id, file_url FROM materials WHERE processing_status = $1 ORDER BY updated_at`
	rows, err := r.db.QueryContext(ctx, query, pipeline.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStale(rows)
}

func (r *PostgresRepo) ResetStale(ctx context.Context, olderThan time.Duration) ([]monitor.StaleMaterial, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `UPDATE materials SET processing_status = $1, processing_job_id = NULL, processing_error = NULL, updated_at = NOW() WHERE processing_status = ANY($2) AND updated_at < $3 RETURNING id, file_url`
	rows, err := r.db.QueryContext(ctx, query, pipeline.StatusPending, pq.Array(activeStatuses()), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStale(rows)
}

func (r *PostgresRepo) StuckCounts(ctx context.Context, olderThan time.Duration) (monitor.Counts, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `SELECT COUNT(*) FILTER (WHERE processing_status = $1), COUNT(*) FILTER (WHERE processing_status = ANY($2)), COUNT(*) FILTER (WHERE processing_status = ANY($2) AND updated_at < $3) FROM materials`

	var c monitor.Counts
	err := r.db.QueryRowContext(ctx, query, pipeline.StatusPending, pq.Array(activeStatuses()), cutoff).
		Scan(&c.Pending, &c.Processing, &c.Stale)
	if err != nil {
		return monitor.Counts{}, err
	}
	c.Total = c.Pending + c.Stale
	return c, nil
}

func collectStale(rows *sql.Rows) ([]monitor.StaleMaterial, error) {
	var out []monitor.StaleMaterial
	for rows.Next() {
		var m monitor.StaleMaterial
		if err := rows.Scan(&m.ID, &m.FileURL); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
