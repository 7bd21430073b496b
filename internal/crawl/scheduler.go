package crawl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/model"
)

// SchedulerStore is the slice of the catalog the scheduler needs.
type SchedulerStore interface {
	DueForCrawl(ctx context.Context) ([]model.Server, error)
	CreateCrawlJob(ctx context.Context, serverID uuid.UUID) (*model.CrawlJob, error)
}

type Enqueuer interface {
	Enqueue(kind model.JobKind, jobID uuid.UUID) error
}

// Scheduler periodically queues crawl jobs for servers whose crawl interval
// has elapsed. last_crawled_at only moves when a crawl finishes, so recent
// enqueues are remembered in-process to keep sweeps from stacking jobs while
// one is still in flight.
type Scheduler struct {
	store    SchedulerStore
	queue    Enqueuer
	interval time.Duration
	log      zerolog.Logger

	recent map[uuid.UUID]time.Time
}

func NewScheduler(store SchedulerStore, queue Enqueuer, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		queue:    queue,
		interval: interval,
		log:      log.With().Str("component", "crawl-scheduler").Logger(),
		recent:   map[uuid.UUID]time.Time{},
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("crawl sweep failed")
			} else if n > 0 {
				s.log.Info().Int("queued", n).Msg("crawl sweep")
			}
		}
	}
}

// Sweep queues one crawl per due server and reports how many were queued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.store.DueForCrawl(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	queued := 0
	for i := range due {
		srv := &due[i]
		if at, ok := s.recent[srv.ID]; ok && now.Sub(at) < s.interval*2 {
			continue
		}
		job, err := s.store.CreateCrawlJob(ctx, srv.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("server_id", srv.ID.String()).Msg("crawl job create failed")
			continue
		}
		if err := s.queue.Enqueue(model.JobCrawl, job.ID); err != nil {
			s.log.Warn().Err(err).Str("server_id", srv.ID.String()).Msg("crawl enqueue failed")
			continue
		}
		s.recent[srv.ID] = now
		queued++
	}
	return queued, nil
}
