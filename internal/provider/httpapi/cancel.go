package httpapi

import (
	"sync"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
)

// cancelRegistry tracks the context.CancelFunc for each in-flight task so
// Cancel can stop an HTTP-backed call that has no subprocess to kill.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]func()
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]func())}
}

func (r *cancelRegistry) register(taskID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[taskID] = cancel
}

func (r *cancelRegistry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, taskID)
}

func (r *cancelRegistry) cancel(taskID string) error {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	cancel()
	return nil
}
