package agent

import (
	"context"
	"sync"
)

// cancelKey identifies one in-flight run's cancellation function.
type cancelKey struct {
	agentID string
	runID   string
}

// cancelRegistry tracks the context.CancelFunc for each in-flight run so
// CancelTask and the zombie sweep can stop a run's context independently
// of whatever the provider itself does with Cancel.
type cancelRegistry struct {
	mu    sync.Mutex
	funcs map[cancelKey]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{funcs: make(map[cancelKey]context.CancelFunc)}
}

func (r *cancelRegistry) track(agentID, runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[cancelKey{agentID, runID}] = cancel
}

func (r *cancelRegistry) untrack(agentID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, cancelKey{agentID, runID})
}

func (r *cancelRegistry) lookup(agentID, runID string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.funcs[cancelKey{agentID, runID}]
	return cancel, ok
}
