package crawl

import (
	"context"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/jobqueue"
	"github.com/spheraform/spheraform/internal/model"
)

// JobHandler adapts the service to the worker loop.
type JobHandler struct {
	svc *Service
}

func NewJobHandler(svc *Service) *JobHandler { return &JobHandler{svc: svc} }

func (h *JobHandler) Kind() model.JobKind { return model.JobCrawl }

func (h *JobHandler) Handle(ctx context.Context, env jobqueue.Envelope) error {
	return h.svc.Run(ctx, env.JobID, uuid.NewString())
}
