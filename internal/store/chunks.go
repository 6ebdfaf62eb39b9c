package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"interview-pipeline/internal/models"
)

// RegisterChunks declares count pending chunks for a job. Re-registering the
// same count resets the rows.
func (s *Store) RegisterChunks(ctx context.Context, jobID string, count int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		DELETE FROM job_chunks WHERE job_id = $1 AND chunk_index >= $2
	`, jobID, count); err != nil {
		return fmt.Errorf("trim chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_chunks (job_id, chunk_index, status, updated_at)
		SELECT $1, idx, $3, NOW() FROM generate_series(0, $2 - 1) AS idx
		ON CONFLICT (job_id, chunk_index) DO UPDATE
		SET status = EXCLUDED.status, text = NULL, error = NULL, updated_at = NOW()
	`, jobID, count, models.ChunkPending); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE processing_jobs SET total_chunks = $2, completed_chunks = 0, updated_at = NOW() WHERE id = $1
	`, jobID, count); err != nil {
		return fmt.Errorf("update chunk totals: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateChunkStatus records one chunk's transcription outcome and refreshes
// the job's resolved-chunk counter.
func (s *Store) UpdateChunkStatus(ctx context.Context, jobID string, index int, r models.ChunkResult) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		UPDATE job_chunks SET status = $3, text = $4, error = $5, updated_at = NOW()
		WHERE job_id = $1 AND chunk_index = $2
	`, jobID, index, r.Status, emptyToNil(r.Text), emptyToNil(r.Error)); err != nil {
		return fmt.Errorf("update chunk: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE processing_jobs
		SET completed_chunks = (SELECT COUNT(*) FROM job_chunks WHERE job_id = $1 AND status <> $2),
		    updated_at = NOW()
		WHERE id = $1
	`, jobID, models.ChunkPending); err != nil {
		return fmt.Errorf("update chunk counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListChunks returns a job's chunk rows ordered by index.
func (s *Store) ListChunks(ctx context.Context, jobID string) ([]models.ChunkRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_index, status, text, error, updated_at
		FROM job_chunks WHERE job_id = $1 ORDER BY chunk_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []models.ChunkRow
	for rows.Next() {
		var (
			row         models.ChunkRow
			status      string
			text, cause pgtype.Text
		)
		if err := rows.Scan(&row.Index, &status, &text, &cause, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		row.JobID = jobID
		row.Status = models.ChunkStatus(status)
		row.Text = textPtr(text)
		row.Error = textPtr(cause)
		out = append(out, row)
	}
	return out, rows.Err()
}
