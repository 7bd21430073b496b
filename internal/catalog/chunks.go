package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/model"
)

const chunkColumns = `id, job_id, ordinal, strategy, params, status, output_key,
	feature_count, size_bytes, started_at, completed_at, error`

// CreateChunks inserts the planned chunk rows for a download job in one
// transaction.
func (s *Store) CreateChunks(ctx context.Context, chunks []model.DownloadChunk) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create chunks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range chunks {
		if chunks[i].ID == uuid.Nil {
			chunks[i].ID = uuid.New()
		}
		if chunks[i].Status == "" {
			chunks[i].Status = model.StatusPending
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO download_chunks (id, job_id, ordinal, strategy, params, status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			chunks[i].ID, chunks[i].JobID, chunks[i].Ordinal, chunks[i].Strategy,
			chunks[i].Params, chunks[i].Status)
		if err != nil {
			return fmt.Errorf("create chunk %d: %w", chunks[i].Ordinal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create chunks: %w", err)
	}
	return nil
}

// JobChunks returns the chunks of a job in ordinal order.
func (s *Store) JobChunks(ctx context.Context, jobID uuid.UUID) ([]model.DownloadChunk, error) {
	var out []model.DownloadChunk
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+chunkColumns+` FROM download_chunks WHERE job_id = $1 ORDER BY ordinal`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job chunks: %w", err)
	}
	return out, nil
}

func (s *Store) MarkChunkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_chunks SET status = 'running', started_at = $2, error = NULL
		WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark chunk running: %w", err)
	}
	return nil
}

// FinishChunk completes a chunk and bumps the job's completed counter.
func (s *Store) FinishChunk(ctx context.Context, id uuid.UUID, outputKey string, featureCount, sizeBytes int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		UPDATE download_chunks SET status = 'completed', output_key = $2,
			feature_count = $3, size_bytes = $4, completed_at = now()
		WHERE id = $1
		RETURNING job_id`, id, outputKey, featureCount, sizeBytes).Scan(&jobID)
	if err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE download_jobs SET completed_chunks = completed_chunks + 1
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	return nil
}

func (s *Store) FailChunk(ctx context.Context, id uuid.UUID, cause error) error {
	msg := cause.Error()
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_chunks SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("fail chunk: %w", err)
	}
	return nil
}
