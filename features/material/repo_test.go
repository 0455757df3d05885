package material

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"studyforge/backend/internal/pipeline"
)

func materialRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner_id", "visibility", "title", "file_url", "mime_type",
		"processing_status", "processing_error", "extraction_source",
		"material_version", "created_at", "updated_at",
	})
}

func addMaterialRow(rows *sqlmock.Rows, id, status string, version int) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "user-1", "private", "Cell Biology", "materials/k.pdf",
		"application/pdf", status, "", "", version, now, now)
}

func TestPostgresRepo_CreateAndRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)
	ctx := context.Background()

	t.Run("Create", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO materials (owner_id, visibility, title, file_url, mime_type, processing_status, material_version)")).
			WithArgs("user-1", "private", "Cell Biology", "materials/k.pdf", "application/pdf", pipeline.StatusPending, 1).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("mat-1", now, now))

		m := &Material{
			OwnerID:          "user-1",
			Visibility:       "private",
			Title:            "Cell Biology",
			FileURL:          "materials/k.pdf",
			MimeType:         "application/pdf",
			ProcessingStatus: pipeline.StatusPending,
			Version:          1,
		}
		assert.NoError(t, repo.Create(ctx, m))
		assert.Equal(t, "mat-1", m.ID)
	})

	t.Run("GetVisible", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND (visibility = 'public' OR owner_id = $2)")).
			WithArgs("mat-1", "user-1").
			WillReturnRows(addMaterialRow(materialRows(), "mat-1", "COMPLETED", 2))

		m, err := repo.GetVisible(ctx, "mat-1", "user-1")
		assert.NoError(t, err)
		assert.Equal(t, pipeline.StatusCompleted, m.ProcessingStatus)
		assert.Equal(t, StatusReady, m.Status)
		assert.Equal(t, 2, m.Version)
	})

	t.Run("GetVisible Hidden Material", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND (visibility = 'public' OR owner_id = $2)")).
			WithArgs("mat-1", "stranger").
			WillReturnRows(materialRows())

		_, err := repo.GetVisible(ctx, "mat-1", "stranger")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("ListByOwner", func(t *testing.T) {
		rows := addMaterialRow(addMaterialRow(materialRows(), "mat-2", "PENDING", 1), "mat-1", "COMPLETED", 1)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE owner_id = $1 ORDER BY created_at DESC")).
			WithArgs("user-1").
			WillReturnRows(rows)

		list, err := repo.ListByOwner(ctx, "user-1")
		assert.NoError(t, err)
		assert.Len(t, list, 2)
		assert.Equal(t, "mat-2", list[0].ID)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)

	t.Run("Deletes Owned Row", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM materials WHERE id = $1 AND owner_id = $2")).
			WithArgs("mat-1", "user-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Delete(context.Background(), "mat-1", "user-1"))
	})

	t.Run("Missing Row Reports ErrNoRows", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM materials")).
			WithArgs("mat-9", "user-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.Delete(context.Background(), "mat-9", "user-1"), sql.ErrNoRows)
	})
}

func TestPostgresRepo_Reprocess(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SET material_version = material_version + 1, processing_status = $2, processing_job_id = NULL, processing_error = NULL")).
		WithArgs("mat-1", pipeline.StatusPending).
		WillReturnRows(addMaterialRow(materialRows(), "mat-1", "PENDING", 3))

	m, err := repo.Reprocess(context.Background(), "mat-1")
	assert.NoError(t, err)
	assert.Equal(t, 3, m.Version)
	assert.Equal(t, pipeline.StatusPending, m.ProcessingStatus)
	assert.Equal(t, StatusPending, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ReplaceFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SET file_url = $2, mime_type = $3, material_version = material_version + 1, processing_status = $4")).
		WithArgs("mat-1", "materials/new-key.pdf", "application/pdf", pipeline.StatusPending).
		WillReturnRows(addMaterialRow(materialRows(), "mat-1", "PENDING", 2))

	m, err := repo.ReplaceFile(context.Background(), "mat-1", "materials/new-key.pdf", "application/pdf")
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, pipeline.StatusPending, m.ProcessingStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ResetFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"id", "file_url"}).
		AddRow("mat-1", "materials/a.pdf").
		AddRow("mat-2", "materials/b.pdf")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE processing_status = $2 RETURNING id, file_url")).
		WithArgs(pipeline.StatusPending, pipeline.StatusFailed).
		WillReturnRows(rows)

	failed, err := repo.ResetFailed(context.Background())
	assert.NoError(t, err)
	assert.Len(t, failed, 2)
	assert.Equal(t, "materials/b.pdf", failed[1].FileURL)
}

func TestPostgresRepo_Artifacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)
	ctx := context.Background()

	t.Run("Artifact Reads Column And Version", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(summary::text, ''), COALESCE(summary_version, 0) FROM materials WHERE id = $1")).
			WithArgs("mat-1").
			WillReturnRows(sqlmock.NewRows([]string{"summary", "summary_version"}).AddRow("cached", 2))

		content, version, err := repo.Artifact(ctx, "mat-1", ArtifactSummary)
		assert.NoError(t, err)
		assert.Equal(t, "cached", content)
		assert.Equal(t, 2, version)
	})

	t.Run("Unknown Kind Is Rejected", func(t *testing.T) {
		_, _, err := repo.Artifact(ctx, "mat-1", "poems")
		assert.Error(t, err)

		assert.Error(t, repo.SaveArtifact(ctx, "mat-1", "poems", "x", 1))
	})

	t.Run("SaveArtifact Writes Column And Version", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET quiz = $1, quiz_version = $2, updated_at = NOW() WHERE id = $3")).
			WithArgs(`{"questions":[]}`, 2, "mat-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.SaveArtifact(ctx, "mat-1", ArtifactQuiz, `{"questions":[]}`, 2))
	})

	t.Run("ClearArtifacts Missing Material", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET summary = NULL")).
			WithArgs("mat-9").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.ClearArtifacts(ctx, "mat-9"), sql.ErrNoRows)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Claim(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)
	ctx := context.Background()

	t.Run("Claims Pending Document", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"material_version", "file_url", "mime_type"}).
			AddRow(2, "materials/k.pdf", "application/pdf")
		mock.ExpectQuery(regexp.QuoteMeta("RETURNING material_version, file_url, mime_type")).
			WithArgs("mat-1", "job-1",
				pipeline.StatusExtracting, pipeline.StatusPending,
				pipeline.StatusCompleted, pipeline.StatusFailed).
			WillReturnRows(rows)

		doc, ok, err := repo.Claim(ctx, "mat-1", "job-1")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, pipeline.Document{
			ID: "mat-1", JobID: "job-1", Version: 2,
			FileURL: "materials/k.pdf", MimeType: "application/pdf",
		}, doc)
	})

	t.Run("Lost Claim Is Not An Error", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("RETURNING material_version, file_url, mime_type")).
			WithArgs("mat-1", "job-stale",
				pipeline.StatusExtracting, pipeline.StatusPending,
				pipeline.StatusCompleted, pipeline.StatusFailed).
			WillReturnRows(sqlmock.NewRows([]string{"material_version", "file_url", "mime_type"}))

		_, ok, err := repo.Claim(ctx, "mat-1", "job-stale")
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPostgresRepo_StageWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)
	ctx := context.Background()
	doc := pipeline.Document{ID: "mat-1", JobID: "job-1", Version: 2}

	t.Run("MarkOCR", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET processing_status = $4")).
			WithArgs("mat-1", 2, "job-1", pipeline.StatusOCRExtracting, pipeline.StatusExtracting).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.MarkOCR(ctx, doc)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("SaveExtracted From OCR Branch", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET content = $4, extraction_source = $5, processing_status = $6")).
			WithArgs("mat-1", 2, "job-1", "raw text", "ocr", pipeline.StatusCleaning, pipeline.StatusOCRExtracting).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.SaveExtracted(ctx, doc, "raw text", "ocr", pipeline.StatusOCRExtracting)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("SaveCleaned Lost Claim", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET content = $4, processing_status = $5")).
			WithArgs("mat-1", 2, "job-1", "cleaned text", pipeline.StatusSegmenting, pipeline.StatusCleaning).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.SaveCleaned(ctx, doc, "cleaned text")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Complete", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET processing_status = $4, processing_error = NULL")).
			WithArgs("mat-1", 2, "job-1", pipeline.StatusCompleted, pipeline.StatusSegmenting).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Complete(ctx, doc)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Fail Ignores Lost Claims", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE materials SET processing_status = $3, processing_error = $4")).
			WithArgs("mat-1", "job-1", pipeline.StatusFailed, "ocr output: no extractable text",
				pipeline.StatusCompleted, pipeline.StatusFailed).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.NoError(t, repo.Fail(ctx, "mat-1", "job-1", "ocr output: no extractable text"))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

// cutoffNear matches a timestamp argument within a minute of
// now-offset, so the sweep's time arithmetic is checked without pinning
// the clock.
type cutoffNear struct {
	offset time.Duration
}

func (c cutoffNear) Match(v driver.Value) bool {
	ts, ok := v.(time.Time)
	if !ok {
		return false
	}
	want := time.Now().Add(-c.offset)
	return ts.After(want.Add(-time.Minute)) && ts.Before(want.Add(time.Minute))
}

func TestPostgresRepo_Sweeper(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepo(db)
	ctx := context.Background()

	t.Run("ListPending", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "file_url"}).
			AddRow("mat-1", "materials/a.pdf").
			AddRow("mat-2", "materials/b.pdf")
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, file_url FROM materials WHERE processing_status = $1")).
			WithArgs(pipeline.StatusPending).
			WillReturnRows(rows)

		pending, err := repo.ListPending(ctx)
		assert.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("ResetStale Sweeps Active States Only", func(t *testing.T) {
		// PENDING documents never count as stale; only the mid-pipeline
		// states reach the sweep, with a cutoff derived from the
		// threshold.
		rows := sqlmock.NewRows([]string{"id", "file_url"}).AddRow("mat-1", "materials/a.pdf")
		mock.ExpectQuery(regexp.QuoteMeta("WHERE processing_status = ANY($2) AND updated_at < $3 RETURNING id, file_url")).
			WithArgs(pipeline.StatusPending, pq.Array(activeStatuses()), cutoffNear{30 * time.Minute}).
			WillReturnRows(rows)

		stale, err := repo.ResetStale(ctx, 30*time.Minute)
		assert.NoError(t, err)
		assert.Len(t, stale, 1)
		assert.Equal(t, "mat-1", stale[0].ID)
	})

	t.Run("StuckCounts", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"pending", "processing", "stale"}).AddRow(3, 9, 2)
		mock.ExpectQuery("SELECT COUNT").
			WithArgs(pipeline.StatusPending, pq.Array(activeStatuses()), cutoffNear{30 * time.Minute}).
			WillReturnRows(rows)

		counts, err := repo.StuckCounts(ctx, 30*time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, 3, counts.Pending)
		assert.Equal(t, 9, counts.Processing)
		assert.Equal(t, 2, counts.Stale)
		assert.Equal(t, 5, counts.Total)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
