package index_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"

	"studyforge/backend/internal/index"
)

func TestPostgresRepo_ExistingIndexes(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := index.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"chunk_index"}).AddRow(0).AddRow(2)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT chunk_index FROM material_chunks WHERE material_id = $1 AND material_version = $2")).
		WithArgs("mat1", 3).
		WillReturnRows(rows)

	existing, err := repo.ExistingIndexes(context.Background(), "mat1", 3)
	assert.NoError(t, err)
	assert.True(t, existing[0])
	assert.False(t, existing[1])
	assert.True(t, existing[2])
}

func TestPostgresRepo_InsertChunk(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := index.NewPostgresRepo(db)

	embedding := []float32{0.1, 0.2, 0.3}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO material_chunks (material_id, material_version, chunk_index, content, embedding) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (material_id, material_version, chunk_index) DO NOTHING")).
		WithArgs("mat1", 1, 0, "chunk body", pgvector.NewVector(embedding)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.InsertChunk(context.Background(), index.Chunk{
		MaterialID:      "mat1",
		MaterialVersion: 1,
		Index:           0,
		Content:         "chunk body",
		Embedding:       embedding,
	})
	assert.NoError(t, err)
}

func TestPostgresRepo_MarkComplete(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := index.NewPostgresRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO material_index_marks (material_id, material_version, chunk_count, completed_at) VALUES ($1, $2, $3, NOW()) ON CONFLICT (material_id) DO UPDATE SET")).
		WithArgs("mat1", 2, 14).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM material_chunks WHERE material_id = $1 AND material_version <> (SELECT material_version FROM material_index_marks WHERE material_id = $1)")).
		WithArgs("mat1").
		WillReturnResult(sqlmock.NewResult(0, 7))

	assert.NoError(t, repo.MarkComplete(context.Background(), "mat1", 2, 14))
	assert.NoError(t, mock.ExpectationsWereMet())
}
