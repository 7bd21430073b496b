package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/model"
)

type recordingHandler struct {
	kind model.JobKind
	got  []uuid.UUID
	err  error
	ctx  context.Context
}

func (h *recordingHandler) Kind() model.JobKind { return h.kind }
func (h *recordingHandler) Handle(ctx context.Context, env Envelope) error {
	h.got = append(h.got, env.JobID)
	h.ctx = ctx
	return h.err
}

func newTestWorker(cfg WorkerConfig, handlers ...Handler) *Worker {
	return NewWorker(cfg, NewCancelRegistry(), zerolog.New(io.Discard), handlers...)
}

func message(t *testing.T, kind model.JobKind, jobID uuid.UUID) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(Envelope{Kind: kind, JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "downloads", Value: b}
}

func TestProcessOneDispatchesByKind(t *testing.T) {
	crawl := &recordingHandler{kind: model.JobCrawl}
	download := &recordingHandler{kind: model.JobDownload}
	w := newTestWorker(WorkerConfig{MaxTasks: 10}, crawl, download)

	jobID := uuid.New()
	if err := w.processOne(context.Background(), message(t, model.JobDownload, jobID)); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if len(download.got) != 1 || download.got[0] != jobID {
		t.Fatalf("download handler got %v", download.got)
	}
	if len(crawl.got) != 0 {
		t.Fatalf("crawl handler got %v", crawl.got)
	}
}

func TestProcessOneDropsPoisonMessage(t *testing.T) {
	h := &recordingHandler{kind: model.JobCrawl}
	w := newTestWorker(WorkerConfig{MaxTasks: 10}, h)

	msg := &sarama.ConsumerMessage{Topic: "crawls", Value: []byte("not json")}
	if err := w.processOne(context.Background(), msg); err != nil {
		t.Fatalf("poison message must be acked, got %v", err)
	}
	if len(h.got) != 0 {
		t.Fatalf("handler invoked for poison message")
	}
}

func TestProcessOneUnknownKindIsAcked(t *testing.T) {
	w := newTestWorker(WorkerConfig{MaxTasks: 10})
	if err := w.processOne(context.Background(), message(t, model.JobExport, uuid.New())); err != nil {
		t.Fatalf("unknown kind must be acked, got %v", err)
	}
}

func TestProcessOneTaskBudget(t *testing.T) {
	h := &recordingHandler{kind: model.JobCrawl}
	w := newTestWorker(WorkerConfig{MaxTasks: 2}, h)

	if err := w.processOne(context.Background(), message(t, model.JobCrawl, uuid.New())); err != nil {
		t.Fatalf("first task: %v", err)
	}
	err := w.processOne(context.Background(), message(t, model.JobCrawl, uuid.New()))
	if !errors.Is(err, ErrTaskLimit) {
		t.Fatalf("second task err = %v, want ErrTaskLimit", err)
	}
}

func TestHandlerFailureStillCountsAndAcks(t *testing.T) {
	h := &recordingHandler{kind: model.JobCrawl, err: errors.New("boom")}
	w := newTestWorker(WorkerConfig{MaxTasks: 5}, h)

	if err := w.processOne(context.Background(), message(t, model.JobCrawl, uuid.New())); err != nil {
		t.Fatalf("failed job must still ack, got %v", err)
	}
	if w.tasks != 1 {
		t.Fatalf("tasks = %d", w.tasks)
	}
}

func TestProcessOneAppliesHardLimit(t *testing.T) {
	h := &recordingHandler{kind: model.JobCrawl}
	w := newTestWorker(WorkerConfig{MaxTasks: 10, HardLimit: time.Hour}, h)

	if err := w.processOne(context.Background(), message(t, model.JobCrawl, uuid.New())); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	deadline, ok := h.ctx.Deadline()
	if !ok {
		t.Fatal("job context has no deadline")
	}
	if until := time.Until(deadline); until > time.Hour || until < 55*time.Minute {
		t.Fatalf("deadline %v from now", until)
	}
}

func TestCancelRegistry(t *testing.T) {
	r := NewCancelRegistry()
	jobID := uuid.New()

	ctx, release := r.Track(context.Background(), jobID)
	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}

	r.Cancel(jobID)
	select {
	case <-ctx.Done():
	default:
		t.Fatal("context not cancelled")
	}

	release()
	if r.Len() != 0 {
		t.Fatalf("len after release = %d", r.Len())
	}

	// unknown ids are a no-op
	r.Cancel(uuid.New())
}

func TestTopicsFor(t *testing.T) {
	topics := Topics{Crawl: "crawls", Download: "downloads", Export: "exports"}
	for kind, want := range map[model.JobKind]string{
		model.JobCrawl:    "crawls",
		model.JobDownload: "downloads",
		model.JobExport:   "exports",
	} {
		got, err := topics.For(kind)
		if err != nil || got != want {
			t.Fatalf("For(%s) = %q, %v", kind, got, err)
		}
	}
	if _, err := topics.For(model.JobKind("bogus")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
