package segment_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"studyforge/backend/internal/segment"
)

func TestPostgresRepo_ReplaceAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := segment.NewPostgresRepo(db)

	segs := []segment.Segment{
		{Index: 0, PageStart: 1, PageEnd: 1, TokenCount: 4, Source: "native", Body: "page one"},
		{Index: 1, PageStart: 2, PageEnd: 2, TokenCount: 4, Source: "native", Body: "page two"},
	}

	t.Run("Success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM materials WHERE id = $1 AND material_version = $2 AND processing_job_id = $3 FOR UPDATE")).
			WithArgs("mat1", 1, "job1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("mat1"))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM material_segments WHERE material_id = $1")).
			WithArgs("mat1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		stmt := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO material_segments"))
		stmt.ExpectExec().
			WithArgs("mat1", 1, 0, 1, 1, 4, "native", "page one").
			WillReturnResult(sqlmock.NewResult(1, 1))
		stmt.ExpectExec().
			WithArgs("mat1", 1, 1, 2, 2, 4, "native", "page two").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		ok, err := repo.ReplaceAll(context.Background(), "mat1", 1, "job1", segs)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Superseded Run Writes Nothing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM materials WHERE id = $1 AND material_version = $2 AND processing_job_id = $3 FOR UPDATE")).
			WithArgs("mat1", 1, "stale-job").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		ok, err := repo.ReplaceAll(context.Background(), "mat1", 1, "stale-job", segs)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ListByMaterial(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := segment.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"segment_index", "page_start", "page_end", "token_count", "source", "body"}).
		AddRow(0, 1, 1, 10, "native", "first").
		AddRow(1, 2, 2, 12, "native", "second")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT segment_index, page_start, page_end, token_count, source, body FROM material_segments WHERE material_id = $1 ORDER BY segment_index")).
		WithArgs("mat1").
		WillReturnRows(rows)

	segs, err := repo.ListByMaterial(context.Background(), "mat1")
	assert.NoError(t, err)
	assert.Len(t, segs, 2)
	assert.Equal(t, 0, segs[0].Index)
	assert.Equal(t, "second", segs[1].Body)
}

func TestPostgresRepo_DeleteByMaterial(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := segment.NewPostgresRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM material_segments WHERE material_id = $1")).
		WithArgs("mat1").
		WillReturnResult(sqlmock.NewResult(3, 3))

	assert.NoError(t, repo.DeleteByMaterial(context.Background(), "mat1"))
}
