package segment

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// ReplaceAll swaps the material's segment set in one transaction. The
// material row is locked and re-checked against the version and claim
// this run started with; ok=false means another run owns the material
// now and nothing was written.
func (r *PostgresRepo) ReplaceAll(ctx context.Context, materialID string, version int, jobID string, segs []Segment) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var id string
	guard := `SELECT id FROM materials WHERE id = $1 AND material_version = $2 AND processing_job_id = $3 FOR UPDATE`
	err = tx.QueryRowContext(ctx, guard, materialID, version, jobID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM material_segments WHERE material_id = $1`, materialID); err != nil {
		return false, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO material_segments (material_id, material_version, segment_index, page_start, page_end, token_count, source, body) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	for _, s := range segs {
		if _, err := stmt.ExecContext(ctx, materialID, version, s.Index, s.PageStart, s.PageEnd, s.TokenCount, s.Source, s.Body); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresRepo) ListByMaterial(ctx context.Context, materialID string) ([]Segment, error) {
	query := `SELECT segment_index, page_start, page_end, token_count, source, body FROM material_segments WHERE material_id = $1 ORDER BY segment_index`
	rows, err := r.db.QueryContext(ctx, query, materialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.Index, &s.PageStart, &s.PageEnd, &s.TokenCount, &s.Source, &s.Body); err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, rows.Err()
}

func (r *PostgresRepo) DeleteByMaterial(ctx context.Context, materialID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM material_segments WHERE material_id = $1`, materialID)
	return err
}
