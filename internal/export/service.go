// Package export assembles cached datasets into a single downloadable
// artifact: merge, optional clip, convert, upload.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
	"github.com/spheraform/spheraform/internal/storage"
	"github.com/spheraform/spheraform/internal/storage/tiles"
)

const (
	StageCollecting = "collecting"
	StageConverting = "converting"
	StageUploading  = "uploading"
	StageComplete   = "complete"
)

type Store interface {
	GetExportJob(ctx context.Context, id uuid.UUID) (*model.ExportJob, error)

	MarkJobRunning(ctx context.Context, kind model.JobKind, id uuid.UUID, taskID string) (bool, error)
	MarkJobCompleted(ctx context.Context, kind model.JobKind, id uuid.UUID) error
	MarkJobFailed(ctx context.Context, kind model.JobKind, id uuid.UUID, cause error) error
	MarkJobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) error
	JobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) (bool, error)
	SetJobStage(ctx context.Context, kind model.JobKind, id uuid.UUID, stage string) error

	CachedDatasets(ctx context.Context, ids []uuid.UUID) ([]model.Dataset, error)
	FinishExport(ctx context.Context, id uuid.UUID, outputKey string, sizeBytes int64, expiresAt time.Time) error
}

// Uploader receives the finished artifact.
type Uploader interface {
	UploadFile(ctx context.Context, key, path, contentType string) (int64, error)
}

type Config struct {
	TmpDir           string
	TTL              time.Duration
	Ogr2ogrPath      string
	Parallel         int
	ParquetBatchSize int
}

type Service struct {
	store    Store
	backends storage.Policy
	uploader Uploader
	tiles    *tiles.Generator
	cfg      Config
	log      zerolog.Logger
}

func New(store Store, backends storage.Policy, uploader Uploader, tileGen *tiles.Generator, cfg Config, log zerolog.Logger) *Service {
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.Ogr2ogrPath == "" {
		cfg.Ogr2ogrPath = "ogr2ogr"
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	if cfg.ParquetBatchSize <= 0 {
		cfg.ParquetBatchSize = 10000
	}
	return &Service{store: store, backends: backends, uploader: uploader, tiles: tileGen, cfg: cfg, log: log}
}

// ExportKey names the uploaded artifact for a job.
func ExportKey(jobID uuid.UUID, format model.ExportFormat) string {
	return fmt.Sprintf("exports/%s/export.%s", jobID, extFor(format))
}

func (s *Service) Run(ctx context.Context, jobID uuid.UUID, taskID string) error {
	ok, err := s.store.MarkJobRunning(ctx, model.JobExport, jobID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info().Str("job_id", jobID.String()).Msg("export job not runnable, skipping")
		return nil
	}

	err = s.run(ctx, jobID)
	if err == nil {
		return s.store.MarkJobCompleted(ctx, model.JobExport, jobID)
	}
	if errors.Is(err, context.Canceled) {
		if cancelled, cerr := s.store.JobCancelled(context.WithoutCancel(ctx), model.JobExport, jobID); cerr == nil && cancelled {
			return s.store.MarkJobCancelled(context.WithoutCancel(ctx), model.JobExport, jobID)
		}
	}
	if ferr := s.store.MarkJobFailed(ctx, model.JobExport, jobID, err); ferr != nil {
		s.log.Error().Err(ferr).Str("job_id", jobID.String()).Msg("export failure not recorded")
	}
	return err
}

func (s *Service) run(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetExportJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Format.Valid() {
		observability.IncExport(string(job.Format), "rejected")
		return fmt.Errorf("unsupported export format %q", job.Format)
	}
	if len(job.DatasetIDs) == 0 {
		return fmt.Errorf("export has no datasets")
	}

	clip, clipBBox, err := parseClip(job.ClipGeoJSON)
	if err != nil {
		return fmt.Errorf("clip geometry: %w", err)
	}

	datasets, err := s.store.CachedDatasets(ctx, job.DatasetIDs)
	if err != nil {
		return err
	}
	cached := datasets[:0]
	for _, ds := range datasets {
		if ds.IsCached {
			cached = append(cached, ds)
		}
	}
	if len(cached) == 0 {
		return fmt.Errorf("none of the requested datasets are cached")
	}

	workDir, err := os.MkdirTemp(s.cfg.TmpDir, "export-"+jobID.String()+"-")
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	// collecting
	if err := s.store.SetJobStage(ctx, model.JobExport, jobID, StageCollecting); err != nil {
		return err
	}
	parts := make([]string, len(cached))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallel)
	for i := range cached {
		ds := cached[i]
		part := filepath.Join(workDir, fmt.Sprintf("part_%d.geojson", i))
		parts[i] = part
		g.Go(func() error {
			backend := s.backendFor(&ds)
			if backend == nil {
				return fmt.Errorf("dataset %s: no backend for mode %q", ds.ID, ds.StorageMode)
			}
			if _, err := backend.Retrieve(gctx, &ds, part, clipBBox); err != nil {
				return fmt.Errorf("dataset %s: %w", ds.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := filepath.Join(workDir, "merged.geojson")
	count, _, err := mergeClipped(parts, merged, clip)
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("export matched no features")
	}

	// converting
	if err := s.store.SetJobStage(ctx, model.JobExport, jobID, StageConverting); err != nil {
		return err
	}
	outPath, contentType, err := s.convert(ctx, job.Format, merged, workDir, count)
	if err != nil {
		observability.IncExport(string(job.Format), "failed")
		return fmt.Errorf("convert to %s: %w", job.Format, err)
	}

	// uploading
	if err := s.store.SetJobStage(ctx, model.JobExport, jobID, StageUploading); err != nil {
		return err
	}
	key := ExportKey(jobID, job.Format)
	size, err := s.uploader.UploadFile(ctx, key, outPath, contentType)
	if err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	expiresAt := time.Now().UTC().Add(s.cfg.TTL)
	if err := s.store.FinishExport(ctx, jobID, key, size, expiresAt); err != nil {
		return err
	}

	if err := s.store.SetJobStage(ctx, model.JobExport, jobID, StageComplete); err != nil {
		return err
	}
	observability.IncExport(string(job.Format), "completed")
	s.log.Info().Str("job_id", jobID.String()).Str("format", string(job.Format)).
		Int("datasets", len(cached)).Int64("features", count).Int64("bytes", size).
		Msg("export complete")
	return nil
}

// backendFor routes retrieval by where the dataset actually lives.
func (s *Service) backendFor(ds *model.Dataset) storage.Backend {
	switch ds.StorageMode {
	case model.StoragePostGIS:
		return s.backends.PostGIS
	case model.StorageGeoParquet:
		return s.backends.Object
	}
	if ds.CacheTable != nil {
		return s.backends.PostGIS
	}
	return s.backends.Object
}
