package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/logger"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
)

// Handler executes one job kind. A nil return acknowledges the message; an
// error leaves it unacknowledged for redelivery.
type Handler interface {
	Kind() model.JobKind
	Handle(ctx context.Context, env Envelope) error
}

// ErrTaskLimit makes the worker loop exit cleanly so the process restarts
// with a fresh heap. Kubernetes-style supervision brings it back.
var ErrTaskLimit = errors.New("jobqueue: task limit reached")

type WorkerConfig struct {
	Brokers   []string
	GroupID   string
	Topics    Topics
	MaxTasks  int
	HardLimit time.Duration
	SoftLimit time.Duration
}

// Worker consumes all job topics in one consumer group, dispatching by kind.
type Worker struct {
	cfg      WorkerConfig
	handlers map[model.JobKind]Handler
	registry *CancelRegistry
	log      zerolog.Logger
	tasks    int
}

func NewWorker(cfg WorkerConfig, registry *CancelRegistry, log zerolog.Logger, handlers ...Handler) *Worker {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 100
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = time.Hour
	}
	if cfg.SoftLimit <= 0 || cfg.SoftLimit >= cfg.HardLimit {
		cfg.SoftLimit = cfg.HardLimit - 5*time.Minute
	}
	byKind := make(map[model.JobKind]Handler, len(handlers))
	for _, h := range handlers {
		byKind[h.Kind()] = h
	}
	return &Worker{cfg: cfg, handlers: byKind, registry: registry, log: log}
}

// Run consumes until ctx ends or the task budget is spent. Messages are
// acknowledged only after the handler returns, so a crash mid-job redelivers.
func (w *Worker) Run(ctx context.Context) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	// one long job per claim at a time; no prefetch racing the hard limit
	cfg.ChannelBufferSize = 1

	group, err := sarama.NewConsumerGroup(w.cfg.Brokers, w.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("jobqueue: create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: w.processOne}
	w.log.Info().Strs("topics", w.cfg.Topics.All()).Str("group", w.cfg.GroupID).
		Int("max_tasks", w.cfg.MaxTasks).Msg("worker starting")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker shutting down")
			return nil
		default:
			err := group.Consume(ctx, w.cfg.Topics.All(), handler)
			if errors.Is(err, ErrTaskLimit) {
				w.log.Info().Int("tasks", w.tasks).Msg("task budget spent, exiting for restart")
				return ErrTaskLimit
			}
			if err != nil {
				w.log.Error().Err(err).Msg("consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

func (w *Worker) processOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		// poison message; ack and move on
		w.log.Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
			Msg("undecodable job envelope dropped")
		return nil
	}

	h, ok := w.handlers[env.Kind]
	if !ok {
		w.log.Error().Str("kind", string(env.Kind)).Str("job_id", env.JobID.String()).
			Msg("no handler for job kind, dropping")
		return nil
	}

	jobCtx, release := w.registry.Track(ctx, env.JobID)
	defer release()
	jobCtx, cancel := context.WithTimeout(jobCtx, w.cfg.HardLimit)
	defer cancel()
	jobCtx = logger.WithJob(jobCtx, env.JobID.String(), string(env.Kind))

	soft := time.AfterFunc(w.cfg.SoftLimit, func() {
		w.log.Warn().Str("job_id", env.JobID.String()).
			Dur("soft_limit", w.cfg.SoftLimit).Msg("job past soft time limit")
	})
	defer soft.Stop()

	start := time.Now()
	err := h.Handle(jobCtx, env)
	observability.ObserveJob(string(env.Kind), outcome(err), time.Since(start).Seconds())
	if err != nil {
		w.log.Error().Err(err).Str("kind", string(env.Kind)).
			Str("job_id", env.JobID.String()).Msg("job failed")
		// the handler recorded the failure in the job row; ack so the
		// message is not retried forever
		w.tasks++
		return w.budget()
	}

	w.tasks++
	return w.budget()
}

func (w *Worker) budget() error {
	if w.tasks >= w.cfg.MaxTasks {
		return ErrTaskLimit
	}
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

type groupHandler struct {
	process messageProcessor
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			err := h.process(ctx, msg)
			// every processed message is acknowledged, even the last one
			// before a budget exit
			sess.MarkMessage(msg, "")
			if err != nil {
				return err
			}
		}
	}
}
