package index

import (
	"context"
	"database/sql"

	"github.com/pgvector/pgvector-go"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ExistingIndexes(ctx context.Context, materialID string, version int) (map[int]bool, error) {
	query := `SELECT chunk_index FROM material_chunks WHERE material_id = $1 AND material_version = $2`
	rows, err := r.db.QueryContext(ctx, query, materialID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		existing[idx] = true
	}
	return existing, rows.Err()
}

func (r *PostgresRepo) InsertChunk(ctx context.Context, c Chunk) error {
	query := `INSERT INTO material_chunks (material_id, material_version, chunk_index, content, embedding) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (material_id, material_version, chunk_index) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, c.MaterialID, c.MaterialVersion, c.Index, c.Content, pgvector.NewVector(c.Embedding))
	return err
}

// MarkComplete publishes the chunk set for a version. The mark only
// moves forward, so a superseded run finishing late cannot point
// retrieval back at an older version. Chunks of versions no longer
// referenced by the mark are purged afterwards.
func (r *PostgresRepo) MarkComplete(ctx context.Context, materialID string, version, chunkCount int) error {
	query := `INSERT INTO material_index_marks (material_id, material_version, chunk_count, completed_at) VALUES ($1, $2, $3, NOW()) ON CONFLICT (material_id) DO UPDATE SET material_version = EXCLUDED.material_version, chunk_count = EXCLUDED.chunk_count, completed_at = NOW() WHERE material_index_marks.material_version <= EXCLUDED.material_version`
	if _, err := r.db.ExecContext(ctx, query, materialID, version, chunkCount); err != nil {
		return err
	}

	purge := `DELETE FROM material_chunks WHERE material_id = $1 AND material_version <> (SELECT material_version FROM material_index_marks WHERE material_id = $1)`
	_, err := r.db.ExecContext(ctx, purge, materialID)
	return err
}
