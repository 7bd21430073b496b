package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/model"
)

const crawlJobColumns = `id, server_id, status, stage, total_services,
	services_processed, datasets_discovered, datasets_new, datasets_updated,
	retry_count, task_id, error, created_at, started_at, completed_at`

const downloadJobColumns = `id, dataset_id, status, stage, strategy,
	total_chunks, completed_chunks, total_features, features_downloaded,
	features_stored, output_path, retry_count, task_id, error, created_at,
	started_at, completed_at`

const exportJobColumns = `id, status, stage, format, dataset_ids, clip_geojson,
	params, requested_by, output_key, output_size_bytes, expires_at,
	retry_count, task_id, error, created_at, started_at, completed_at`

func (s *Store) CreateCrawlJob(ctx context.Context, serverID uuid.UUID) (*model.CrawlJob, error) {
	job := &model.CrawlJob{
		ID:        uuid.New(),
		ServerID:  serverID,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_jobs (id, server_id, status, created_at)
		VALUES ($1, $2, $3, $4)`,
		job.ID, job.ServerID, job.Status, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create crawl job: %w", err)
	}
	return job, nil
}

func (s *Store) GetCrawlJob(ctx context.Context, id uuid.UUID) (*model.CrawlJob, error) {
	var job model.CrawlJob
	err := s.db.GetContext(ctx, &job,
		`SELECT `+crawlJobColumns+` FROM crawl_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("crawl job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl job: %w", err)
	}
	return &job, nil
}

func (s *Store) CreateDownloadJob(ctx context.Context, datasetID uuid.UUID, strategy model.DownloadStrategy) (*model.DownloadJob, error) {
	job := &model.DownloadJob{
		ID:        uuid.New(),
		DatasetID: datasetID,
		Status:    model.StatusPending,
		Strategy:  strategy,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_jobs (id, dataset_id, status, strategy, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.DatasetID, job.Status, job.Strategy, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create download job: %w", err)
	}
	return job, nil
}

func (s *Store) GetDownloadJob(ctx context.Context, id uuid.UUID) (*model.DownloadJob, error) {
	var job model.DownloadJob
	err := s.db.GetContext(ctx, &job,
		`SELECT `+downloadJobColumns+` FROM download_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get download job: %w", err)
	}
	return &job, nil
}

func (s *Store) CreateExportJob(ctx context.Context, job *model.ExportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = model.StatusPending
	job.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_jobs (id, status, format, dataset_ids, clip_geojson,
			params, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Status, job.Format, job.DatasetIDs, job.ClipGeoJSON,
		job.Params, job.RequestedBy, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

func (s *Store) GetExportJob(ctx context.Context, id uuid.UUID) (*model.ExportJob, error) {
	var job model.ExportJob
	err := s.db.GetContext(ctx, &job,
		`SELECT `+exportJobColumns+` FROM export_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("export job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return &job, nil
}

// jobTable maps a job kind to its table name. Job IDs are unique across
// kinds, so (kind, id) addressing is unambiguous.
func jobTable(kind model.JobKind) (string, error) {
	switch kind {
	case model.JobCrawl:
		return "crawl_jobs", nil
	case model.JobDownload:
		return "download_jobs", nil
	case model.JobExport:
		return "export_jobs", nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

// MarkJobRunning transitions pending -> running and records the worker task.
// A job already cancelled stays cancelled; the return value says whether the
// worker should proceed.
func (s *Store) MarkJobRunning(ctx context.Context, kind model.JobKind, id uuid.UUID, taskID string) (bool, error) {
	table, err := jobTable(kind)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'running', task_id = $2, started_at = now()
		WHERE id = $1 AND status = 'pending'`, table), id, taskID)
	if err != nil {
		return false, fmt.Errorf("mark %s running: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) MarkJobCompleted(ctx context.Context, kind model.JobKind, id uuid.UUID) error {
	return s.finishJob(ctx, kind, id, model.StatusCompleted, nil)
}

func (s *Store) MarkJobFailed(ctx context.Context, kind model.JobKind, id uuid.UUID, cause error) error {
	msg := cause.Error()
	return s.finishJob(ctx, kind, id, model.StatusFailed, &msg)
}

// MarkJobCancelled finalizes a cancellation with error left null.
func (s *Store) MarkJobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) error {
	return s.finishJob(ctx, kind, id, model.StatusCancelled, nil)
}

func (s *Store) finishJob(ctx context.Context, kind model.JobKind, id uuid.UUID, status model.JobStatus, msg *string) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, error = $3, completed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`, table),
		id, status, msg)
	if err != nil {
		return fmt.Errorf("finish %s job: %w", kind, err)
	}
	return nil
}

// RequestCancel flips a non-terminal job to cancelled. Running workers
// observe the row and stop at their next checkpoint.
func (s *Store) RequestCancel(ctx context.Context, kind model.JobKind, id uuid.UUID) (bool, error) {
	table, err := jobTable(kind)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`, table), id)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// JobCancelled is the polling side of cancellation.
func (s *Store) JobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) (bool, error) {
	table, err := jobTable(kind)
	if err != nil {
		return false, err
	}
	var status model.JobStatus
	err = s.db.GetContext(ctx, &status,
		fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, table), id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s job %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("job cancelled: %w", err)
	}
	return status == model.StatusCancelled, nil
}

func (s *Store) SetJobStage(ctx context.Context, kind model.JobKind, id uuid.UUID, stage string) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET stage = $2 WHERE id = $1`, table), id, stage)
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	return nil
}

// UpdateCrawlProgress bumps the crawl counters. GREATEST keeps progress
// monotonic under concurrent service workers.
func (s *Store) UpdateCrawlProgress(ctx context.Context, id uuid.UUID, processed, discovered, created, updated int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_jobs SET
			services_processed = GREATEST(services_processed, $2),
			datasets_discovered = datasets_discovered + $3,
			datasets_new = datasets_new + $4,
			datasets_updated = datasets_updated + $5
		WHERE id = $1`, id, processed, discovered, created, updated)
	if err != nil {
		return fmt.Errorf("update crawl progress: %w", err)
	}
	return nil
}

func (s *Store) SetCrawlTotalServices(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawl_jobs SET total_services = $2 WHERE id = $1`, id, total)
	if err != nil {
		return fmt.Errorf("set crawl total: %w", err)
	}
	return nil
}

// UpdateDownloadProgress keeps the feature counters monotonic; chunk workers
// report out of order.
func (s *Store) UpdateDownloadProgress(ctx context.Context, id uuid.UUID, downloaded, stored int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs SET
			features_downloaded = GREATEST(features_downloaded, $2),
			features_stored = GREATEST(features_stored, $3)
		WHERE id = $1`, id, downloaded, stored)
	if err != nil {
		return fmt.Errorf("update download progress: %w", err)
	}
	return nil
}

func (s *Store) SetDownloadPlan(ctx context.Context, id uuid.UUID, strategy model.DownloadStrategy, totalChunks int, totalFeatures *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs SET strategy = $2, total_chunks = $3, total_features = $4
		WHERE id = $1`, id, strategy, totalChunks, totalFeatures)
	if err != nil {
		return fmt.Errorf("set download plan: %w", err)
	}
	return nil
}

func (s *Store) FinishExport(ctx context.Context, id uuid.UUID, outputKey string, sizeBytes int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET output_key = $2, output_size_bytes = $3, expires_at = $4
		WHERE id = $1`, id, outputKey, sizeBytes, expiresAt)
	if err != nil {
		return fmt.Errorf("finish export: %w", err)
	}
	return nil
}

// ExpiredExports returns completed exports past their TTL, for the janitor.
func (s *Store) ExpiredExports(ctx context.Context, now time.Time) ([]model.ExportJob, error) {
	var out []model.ExportJob
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+exportJobColumns+` FROM export_jobs
		WHERE status = 'completed' AND output_key IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("expired exports: %w", err)
	}
	return out, nil
}

// ClearExportOutput marks a swept export's artifact as gone.
func (s *Store) ClearExportOutput(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE export_jobs SET output_key = NULL, output_size_bytes = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear export output: %w", err)
	}
	return nil
}
