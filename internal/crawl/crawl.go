// Package crawl walks a server's catalog, upserting every discovered layer
// into the dataset registry.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spheraform/spheraform/internal/adapter"
	"github.com/spheraform/spheraform/internal/model"
)

type Store interface {
	GetCrawlJob(ctx context.Context, id uuid.UUID) (*model.CrawlJob, error)
	GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error)

	MarkJobRunning(ctx context.Context, kind model.JobKind, id uuid.UUID, taskID string) (bool, error)
	MarkJobCompleted(ctx context.Context, kind model.JobKind, id uuid.UUID) error
	MarkJobFailed(ctx context.Context, kind model.JobKind, id uuid.UUID, cause error) error
	MarkJobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) error
	JobCancelled(ctx context.Context, kind model.JobKind, id uuid.UUID) (bool, error)

	SetCrawlTotalServices(ctx context.Context, id uuid.UUID, total int) error
	UpdateCrawlProgress(ctx context.Context, id uuid.UUID, processed, discovered, created, updated int) error

	UpsertDataset(ctx context.Context, d *model.Dataset) (bool, error)
	DeactivateMissing(ctx context.Context, serverID uuid.UUID, crawlStart time.Time) (int64, error)
	FinalizeCrawl(ctx context.Context, serverID uuid.UUID, crawledAt time.Time) error
	UpdateServerHealth(ctx context.Context, id uuid.UUID, health model.Health, caps model.JSONMap) error
}

type AdapterFactory func(srv *model.Server) (adapter.Adapter, error)

type Config struct {
	Parallel int
}

type Service struct {
	store    Store
	adapters AdapterFactory
	cfg      Config
	log      zerolog.Logger
}

func New(store Store, adapters AdapterFactory, cfg Config, log zerolog.Logger) *Service {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 10
	}
	return &Service{store: store, adapters: adapters, cfg: cfg, log: log}
}

// Run crawls the job's server. Individual service failures are logged and
// skipped; only a failure to list the catalog fails the job.
func (s *Service) Run(ctx context.Context, jobID uuid.UUID, taskID string) error {
	ok, err := s.store.MarkJobRunning(ctx, model.JobCrawl, jobID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info().Str("job_id", jobID.String()).Msg("crawl job not runnable, skipping")
		return nil
	}

	err = s.run(ctx, jobID)
	if err == nil {
		return s.store.MarkJobCompleted(ctx, model.JobCrawl, jobID)
	}
	if errors.Is(err, context.Canceled) {
		if cancelled, cerr := s.store.JobCancelled(context.WithoutCancel(ctx), model.JobCrawl, jobID); cerr == nil && cancelled {
			return s.store.MarkJobCancelled(context.WithoutCancel(ctx), model.JobCrawl, jobID)
		}
	}
	if ferr := s.store.MarkJobFailed(ctx, model.JobCrawl, jobID, err); ferr != nil {
		s.log.Error().Err(ferr).Str("job_id", jobID.String()).Msg("crawl failure not recorded")
	}
	return err
}

func (s *Service) run(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetCrawlJob(ctx, jobID)
	if err != nil {
		return err
	}
	srv, err := s.store.GetServer(ctx, job.ServerID)
	if err != nil {
		return err
	}
	ad, err := s.adapters(srv)
	if err != nil {
		return err
	}

	crawlStart := time.Now().UTC()

	caps := ad.ProbeCapabilities(ctx)
	capsMap := model.JSONMap{
		"max_features_per_request": caps.MaxFeaturesPerRequest,
		"supports_pagination":      caps.SupportsPagination,
		"supports_oid_query":       caps.SupportsOIDQuery,
		"oid_field_name":           caps.OIDFieldName,
		"supports_bbox_filter":     caps.SupportsBBoxFilter,
		"output_formats":           caps.OutputFormats,
	}

	var failedServices int
	lister, fanout := ad.(adapter.ServiceLister)
	if fanout {
		failedServices, err = s.crawlServices(ctx, jobID, srv, lister)
	} else {
		err = s.crawlFlat(ctx, jobID, srv, ad)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if uerr := s.store.UpdateServerHealth(ctx, srv.ID, model.HealthDegraded, nil); uerr != nil {
				s.log.Warn().Err(uerr).Msg("server health not updated")
			}
		}
		return err
	}

	// Datasets on a service that failed were never re-upserted this crawl;
	// sweeping would deactivate them over a transient outage.
	if failedServices > 0 {
		s.log.Warn().Int("failed_services", failedServices).Str("server_id", srv.ID.String()).
			Msg("partial crawl, deactivation sweep skipped")
	} else {
		deactivated, err := s.store.DeactivateMissing(ctx, srv.ID, crawlStart)
		if err != nil {
			return err
		}
		if deactivated > 0 {
			s.log.Info().Int64("deactivated", deactivated).Str("server_id", srv.ID.String()).
				Msg("stale datasets deactivated")
		}
	}

	if err := s.store.UpdateServerHealth(ctx, srv.ID, model.HealthHealthy, capsMap); err != nil {
		return err
	}
	return s.store.FinalizeCrawl(ctx, srv.ID, crawlStart)
}

// crawlServices fans out over the catalog's services with bounded
// parallelism, cancelling between services when the job is cancelled. It
// reports how many services failed; their errors are logged, not returned.
func (s *Service) crawlServices(ctx context.Context, jobID uuid.UUID, srv *model.Server, lister adapter.ServiceLister) (int, error) {
	services, err := lister.ListServices(ctx)
	if err != nil {
		return 0, fmt.Errorf("list services: %w", err)
	}
	if err := s.store.SetCrawlTotalServices(ctx, jobID, len(services)); err != nil {
		return 0, err
	}

	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallel)
	for _, svcURL := range services {
		g.Go(func() error {
			if cancelled, err := s.store.JobCancelled(gctx, model.JobCrawl, jobID); err == nil && cancelled {
				return context.Canceled
			}

			var discovered, created, updated int
			err := lister.ServiceDatasets(gctx, svcURL, func(md adapter.DatasetMetadata) error {
				isNew, err := s.upsert(gctx, srv, md)
				if err != nil {
					return err
				}
				discovered++
				if isNew {
					created++
				} else {
					updated++
				}
				return nil
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// a single broken service does not fail the crawl
				failed.Add(1)
				s.log.Warn().Err(err).Str("service", svcURL).Msg("service crawl failed")
			}
			n := int(processed.Add(1))
			return s.store.UpdateCrawlProgress(gctx, jobID, n, discovered, created, updated)
		})
	}
	err = g.Wait()
	return int(failed.Load()), err
}

func (s *Service) crawlFlat(ctx context.Context, jobID uuid.UUID, srv *model.Server, ad adapter.Adapter) error {
	var discovered, created, updated int
	err := ad.DiscoverDatasets(ctx, func(md adapter.DatasetMetadata) error {
		isNew, err := s.upsert(ctx, srv, md)
		if err != nil {
			return err
		}
		discovered++
		if isNew {
			created++
		} else {
			updated++
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.store.UpdateCrawlProgress(ctx, jobID, 1, discovered, created, updated)
}

func (s *Service) upsert(ctx context.Context, srv *model.Server, md adapter.DatasetMetadata) (bool, error) {
	ds := &model.Dataset{
		ServerID:        srv.ID,
		ExternalID:      md.ExternalID,
		Name:            md.Name,
		Description:     md.Description,
		Keywords:        md.Keywords,
		Themes:          md.Themes,
		AccessURL:       md.AccessURL,
		BBox:            md.BBox,
		FeatureCount:    md.FeatureCount,
		ServiceItemID:   md.ServiceItemID,
		GeometryType:    md.GeometryType,
		SourceSRID:      md.SourceSRID,
		MaxRecordCount:  md.MaxRecordCount,
		License:         md.License,
		Attribution:     md.Attribution,
		SourceMetadata:  md.SourceMetadata,
		SourceUpdatedAt: md.LastEditDate,
	}
	created, err := s.store.UpsertDataset(ctx, ds)
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", md.AccessURL, err)
	}
	return created, nil
}
