package export

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spheraform/spheraform/internal/model"
)

type JanitorStore interface {
	ExpiredExports(ctx context.Context, now time.Time) ([]model.ExportJob, error)
	ClearExportOutput(ctx context.Context, id uuid.UUID) error
}

// Deleter removes uploaded artifacts.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Janitor removes export artifacts past their TTL.
type Janitor struct {
	store    JanitorStore
	deleter  Deleter
	interval time.Duration
	log      zerolog.Logger
}

func NewJanitor(store JanitorStore, deleter Deleter, interval time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, deleter: deleter, interval: interval, log: log}
}

// Run sweeps on the configured interval until the context ends.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := j.SweepExpired(ctx, time.Now().UTC()); err != nil {
				j.log.Error().Err(err).Msg("export sweep failed")
			} else if n > 0 {
				j.log.Info().Int("removed", n).Msg("expired exports swept")
			}
		}
	}
}

// SweepExpired deletes the artifacts of completed exports whose expiry has
// passed and clears their output references.
func (j *Janitor) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := j.store.ExpiredExports(ctx, now)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range expired {
		if job.OutputKey == nil {
			continue
		}
		if err := j.deleter.Delete(ctx, *job.OutputKey); err != nil {
			j.log.Warn().Err(err).Str("key", *job.OutputKey).Msg("expired artifact not deleted")
			continue
		}
		if err := j.store.ClearExportOutput(ctx, job.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
