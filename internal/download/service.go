// Package download runs one download job end to end: pick a strategy, pull
// the features, store them, update the catalog.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/storage"
)

// Stage names surfaced through the job row while a download runs.
const (
	StageRouting     = "routing"
	StageDownloading = "downloading"
	StageStoring     = "storing"
	StageIndexing    = "indexing"
	StageComplete    = "complete"
)

// cancelPollEvery rate-limits the job-status queries issued between storage
// batches.
const cancelPollEvery = 2 * time.Second

// Store is the catalog surface the download service drives.
type Store interface {
	GetDownloadJob(ctx context.Context, id uuid.UUID) (*model.DownloadJob, error)
	GetDataset(ctx context.Context, id uuid.UUID) (*model.Dataset, error)
	GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error)

	MarkJobRunning(ctx context.Context, kind model.JobKind, id uuid.UUID, taskID string) (bool, error)
	MarkJobCompleted(ctx context.Context, kind model.JobKind, id uuid.UUID) error
	MarkJobFailed(ctx context.Context, kind model.JobKind, id uuid.UUID, cause error) error
	MarkJobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) error
	JobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) (bool, error)
	SetJobStage(ctx context.Context, kind model.JobKind, id uuid.UUID, stage string) error

	SetDownloadPlan(ctx context.Context, id uuid.UUID, strategy model.DownloadStrategy, totalChunks int, totalFeatures *int64) error
	UpdateDownloadProgress(ctx context.Context, id uuid.UUID, downloaded, stored int64) error
	MarkCached(ctx context.Context, id uuid.UUID, mode model.StorageMode, cacheTable, s3DataKey, s3TilesKey *string, tilesBytes int64) error

	CreateChunks(ctx context.Context, chunks []model.DownloadChunk) error
	MarkChunkRunning(ctx context.Context, id uuid.UUID) error
	FinishChunk(ctx context.Context, id uuid.UUID, outputKey string, featureCount, sizeBytes int64) error
	FailChunk(ctx context.Context, id uuid.UUID, cause error) error
}

// Landing receives chunk artifacts while a chunked job is in flight.
type Landing interface {
	UploadFile(ctx context.Context, key, path, contentType string) (int64, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// AdapterFactory builds the provider adapter for a server.
type AdapterFactory func(srv *model.Server) (adapter.Adapter, error)

type Config struct {
	TmpDir        string
	ChunkSize     int64
	ChunkParallel int
	ChunkRetries  int
}

type Service struct {
	store    Store
	policy   storage.Policy
	landing  Landing
	adapters AdapterFactory
	cfg      Config
	log      zerolog.Logger
}

func New(store Store, policy storage.Policy, landing Landing, adapters AdapterFactory, cfg Config, log zerolog.Logger) *Service {
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50000
	}
	if cfg.ChunkParallel <= 0 {
		cfg.ChunkParallel = 10
	}
	if cfg.ChunkRetries <= 0 {
		cfg.ChunkRetries = 3
	}
	return &Service{store: store, policy: policy, landing: landing, adapters: adapters, cfg: cfg, log: log}
}

// Run executes one download job. Cancellation finalizes the job as
// Cancelled with a null error; every other failure lands in Failed.
func (s *Service) Run(ctx context.Context, jobID uuid.UUID, taskID string) error {
	ok, err := s.store.MarkJobRunning(ctx, model.JobDownload, jobID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		// cancelled (or already claimed) before we got to it
		s.log.Info().Str("job_id", jobID.String()).Msg("download job not runnable, skipping")
		return nil
	}

	err = s.run(ctx, jobID)
	if err == nil {
		return s.store.MarkJobCompleted(ctx, model.JobDownload, jobID)
	}
	if s.wasCancelled(ctx, jobID, err) {
		s.log.Info().Str("job_id", jobID.String()).Msg("download job cancelled")
		return s.store.MarkJobCancelled(context.WithoutCancel(ctx), model.JobDownload, jobID)
	}
	if ferr := s.store.MarkJobFailed(ctx, model.JobDownload, jobID, err); ferr != nil {
		s.log.Error().Err(ferr).Str("job_id", jobID.String()).Msg("failure not recorded")
	}
	return err
}

func (s *Service) wasCancelled(ctx context.Context, jobID uuid.UUID, err error) bool {
	if errors.Is(err, storage.ErrCancelled) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		cancelled, cerr := s.store.JobCancelled(context.WithoutCancel(ctx), model.JobDownload, jobID)
		return cerr == nil && cancelled
	}
	return false
}

func (s *Service) run(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetDownloadJob(ctx, jobID)
	if err != nil {
		return err
	}
	ds, err := s.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return err
	}
	srv, err := s.store.GetServer(ctx, ds.ServerID)
	if err != nil {
		return err
	}
	ad, err := s.adapters(srv)
	if err != nil {
		return err
	}

	ref := adapter.DatasetRef{
		ExternalID:     ds.ExternalID,
		AccessURL:      ds.AccessURL,
		MaxRecordCount: ds.MaxRecordCount,
	}

	// routing
	if err := s.store.SetJobStage(ctx, model.JobDownload, jobID, StageRouting); err != nil {
		return err
	}
	strategy, total := s.route(ctx, ad, ref, job, ds)

	totalChunks := 0
	if strategy == model.StrategyChunked || strategy == model.StrategyDistributed {
		if _, ok := ad.(adapter.OIDRanger); !ok {
			strategy = model.StrategyPaged
		} else if total != nil {
			totalChunks = int((*total + s.cfg.ChunkSize - 1) / s.cfg.ChunkSize)
		}
	}
	if err := s.store.SetDownloadPlan(ctx, jobID, strategy, totalChunks, total); err != nil {
		return err
	}

	// downloading
	if err := s.store.SetJobStage(ctx, model.JobDownload, jobID, StageDownloading); err != nil {
		return err
	}
	workDir, err := os.MkdirTemp(s.cfg.TmpDir, "download-"+jobID.String()+"-")
	if err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()
	outPath := filepath.Join(workDir, "features.geojson")

	var res adapter.DownloadResult
	switch strategy {
	case model.StrategySimple:
		res, err = ad.DownloadSimple(ctx, ref, outPath, nil)
	case model.StrategyChunked, model.StrategyDistributed:
		res, err = s.runChunked(ctx, ad.(adapter.OIDRanger), ref, jobID, outPath, total)
	default:
		res, err = ad.DownloadPaged(ctx, ref, outPath, adapter.PagedOptions{
			Progress: func(done, _ int64) {
				_ = s.store.UpdateDownloadProgress(ctx, jobID, done, 0)
			},
		})
	}
	if err != nil {
		return fmt.Errorf("download (%s): %w", strategy, err)
	}
	if res.FeatureCount == 0 {
		return fmt.Errorf("download produced no features")
	}
	if err := s.store.UpdateDownloadProgress(ctx, jobID, res.FeatureCount, 0); err != nil {
		return err
	}

	// storing
	if err := s.store.SetJobStage(ctx, model.JobDownload, jobID, StageStoring); err != nil {
		return err
	}
	backend := s.policy.Choose(ds.StorageMode, res.FeatureCount, strategy)
	stored, err := backend.Store(ctx, ds.ID, outPath, s.cancelPoller(jobID))
	if err != nil {
		return err
	}
	if err := s.store.UpdateDownloadProgress(ctx, jobID, res.FeatureCount, stored.FeatureCount); err != nil {
		return err
	}

	// indexing
	if err := s.store.SetJobStage(ctx, model.JobDownload, jobID, StageIndexing); err != nil {
		return err
	}
	if err := s.store.MarkCached(ctx, ds.ID, stored.Mode, stored.CacheTable,
		stored.S3DataKey, stored.S3TilesKey, stored.TilesBytes); err != nil {
		return err
	}

	if err := s.store.SetJobStage(ctx, model.JobDownload, jobID, StageComplete); err != nil {
		return err
	}
	s.log.Info().Str("job_id", jobID.String()).Str("dataset_id", ds.ID.String()).
		Str("strategy", string(strategy)).Int64("features", res.FeatureCount).
		Str("mode", string(stored.Mode)).Msg("download complete")
	return nil
}

// route settles the strategy and the expected feature count.
func (s *Service) route(ctx context.Context, ad adapter.Adapter, ref adapter.DatasetRef, job *model.DownloadJob, ds *model.Dataset) (model.DownloadStrategy, *int64) {
	var total *int64
	if n, err := ad.FeatureCount(ctx, ref); err == nil && n > 0 {
		total = &n
	} else if ds.FeatureCount != nil {
		total = ds.FeatureCount
	}

	strategy := job.Strategy
	if strategy == "" {
		strategy = ds.DownloadStrategy
	}
	if strategy == "" {
		var n int64
		if total != nil {
			n = *total
		}
		strategy = adapter.SelectStrategy(n, ad.ProbeCapabilities(ctx))
	}
	return strategy, total
}

// cancelPoller returns a CancelCheck that hits the job row at most once per
// cancelPollEvery.
func (s *Service) cancelPoller(jobID uuid.UUID) storage.CancelCheck {
	var last time.Time
	var cached bool
	return func(ctx context.Context) (bool, error) {
		if time.Since(last) < cancelPollEvery {
			return cached, nil
		}
		last = time.Now()
		cancelled, err := s.store.JobCancelled(ctx, model.JobDownload, jobID)
		if err != nil {
			return false, err
		}
		cached = cancelled
		return cancelled, nil
	}
}
