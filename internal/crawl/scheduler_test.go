package crawl

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/model"
)

type schedStore struct {
	due     []model.Server
	created []uuid.UUID
}

func (s *schedStore) DueForCrawl(context.Context) ([]model.Server, error) {
	return s.due, nil
}

func (s *schedStore) CreateCrawlJob(_ context.Context, serverID uuid.UUID) (*model.CrawlJob, error) {
	s.created = append(s.created, serverID)
	return &model.CrawlJob{ID: uuid.New(), ServerID: serverID, Status: model.StatusPending}, nil
}

type schedQueue struct {
	enqueued []uuid.UUID
}

func (q *schedQueue) Enqueue(_ model.JobKind, jobID uuid.UUID) error {
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func TestSweepQueuesDueServers(t *testing.T) {
	store := &schedStore{due: []model.Server{
		{ID: uuid.New()},
		{ID: uuid.New()},
	}}
	queue := &schedQueue{}
	sched := NewScheduler(store, queue, time.Hour, zerolog.New(io.Discard))

	n, err := sched.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 || len(queue.enqueued) != 2 {
		t.Fatalf("queued = %d, enqueued = %d", n, len(queue.enqueued))
	}
}

func TestSweepSkipsRecentlyQueued(t *testing.T) {
	srv := model.Server{ID: uuid.New()}
	store := &schedStore{due: []model.Server{srv}}
	queue := &schedQueue{}
	sched := NewScheduler(store, queue, time.Hour, zerolog.New(io.Discard))

	if _, err := sched.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	// the server is still due (its crawl has not finished) but was just queued
	n, err := sched.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 || len(queue.enqueued) != 1 {
		t.Fatalf("queued = %d, enqueued = %d", n, len(queue.enqueued))
	}
}
