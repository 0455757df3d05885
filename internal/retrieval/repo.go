package retrieval

import (
	"context"
	"database/sql"

	"github.com/pgvector/pgvector-go"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Search ranks chunks by cosine similarity to the query vector. The
// completion-mark join keeps half-indexed versions invisible and pins
// results to the material's current version, so a reprocessed document
// never serves superseded content; the visibility clause limits results
// to public materials and the requester's own.
func (r *PostgresStore) Search(ctx context.Context, vector []float32, requesterID, materialID string, minScore float32, limit int) ([]SearchResult, error) {
	query := `
		SELECT c.material_id, m.title, c.chunk_index, c.content,
		       1 - (c.embedding <=> $1) AS score
		FROM material_chunks c
		JOIN material_index_marks mk
		  ON mk.material_id = c.material_id AND mk.material_version = c.material_version
		JOIN materials m
		  ON m.id = c.material_id AND m.material_version = mk.material_version
		WHERE (m.visibility = 'public' OR m.owner_id = $2)
		  AND ($3 = '' OR c.material_id::text = $3)
		  AND 1 - (c.embedding <=> $1) >= $4
		ORDER BY c.embedding <=> $1
		LIMIT $5`

	rows, err := r.db.QueryContext(ctx, query,
		pgvector.NewVector(vector), requesterID, materialID, float64(minScore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		var res SearchResult
		var score float64
		if err := rows.Scan(&res.MaterialID, &res.Title, &res.ChunkIndex, &res.Content, &score); err != nil {
			return nil, err
		}
		res.Score = float32(score)
		results = append(results, res)
	}
	return results, rows.Err()
}
