package jobqueue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CancelRegistry maps running job ids to their cancel funcs so a broadcast
// can stop work mid-flight. Jobs not in the registry are already finished
// (or not running on this worker); cancelling them is a no-op.
type CancelRegistry struct {
	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{running: map[uuid.UUID]context.CancelFunc{}}
}

// Track derives a cancellable context for a job and registers it. The
// returned release must be called when the job ends.
func (r *CancelRegistry) Track(ctx context.Context, jobID uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[jobID] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.running, jobID)
		r.mu.Unlock()
		cancel()
	}
}

// Cancel stops the job if it is running here.
func (r *CancelRegistry) Cancel(jobID uuid.UUID) {
	r.mu.Lock()
	cancel, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
