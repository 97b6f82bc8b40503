// Package registry implements the provider registry & dispatch layer
// (C5): register/unregister backends by kind, initialize them, and
// route tasks to the right one while tracking what's in flight.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// Registry holds every registered provider, keyed by kind, and tracks
// tasks currently dispatched to any of them.
type Registry struct {
	mu        sync.RWMutex
	providers map[provider.Kind]provider.Provider
	active    map[string]provider.Task
	log       *logger.Logger
}

// New constructs an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		providers: make(map[provider.Kind]provider.Provider),
		active:    make(map[string]provider.Task),
		log:       log.WithFields(zap.String("component", "provider_registry")),
	}
}

// Register adds (or replaces) the provider for its own Kind().
func (r *Registry) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Unregister removes a provider by kind, without cleaning it up —
// callers that want a clean shutdown should call Shutdown first.
func (r *Registry) Unregister(kind provider.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, kind)
}

// Get returns the provider registered for kind, if any.
func (r *Registry) Get(kind provider.Kind) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	return p, ok
}

// InitializeAll initializes every registered provider, collecting a
// per-kind result rather than aborting on first failure — one
// misconfigured backend shouldn't prevent the others from serving.
func (r *Registry) InitializeAll(ctx context.Context) map[provider.Kind]error {
	r.mu.RLock()
	providers := make([]provider.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	results := make(map[provider.Kind]error, len(providers))
	for _, p := range providers {
		if err := p.Initialize(ctx); err != nil {
			r.log.WithError(err).Warn("provider failed to initialize", zap.String("kind", string(p.Kind())))
			results[p.Kind()] = err
			continue
		}
		results[p.Kind()] = nil
	}
	return results
}

// HealthCheckAll reports health for every initialized provider.
func (r *Registry) HealthCheckAll(ctx context.Context) map[provider.Kind]provider.HealthStatus {
	r.mu.RLock()
	providers := make([]provider.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	results := make(map[provider.Kind]provider.HealthStatus, len(providers))
	for _, p := range providers {
		if !p.IsInitialized() {
			results[p.Kind()] = provider.HealthStatus{Healthy: false, Detail: "not initialized"}
			continue
		}
		status, err := p.HealthCheck(ctx)
		if err != nil {
			results[p.Kind()] = provider.HealthStatus{Healthy: false, Detail: err.Error()}
			continue
		}
		results[p.Kind()] = status
	}
	return results
}

// Execute dispatches a task to its provider, tracking it as active for
// the duration of the call so Cancel and ActiveTasks can see it.
func (r *Registry) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	p, ok := r.Get(task.Kind)
	if !ok {
		return provider.Response{}, apperrors.NotFound("provider", string(task.Kind))
	}
	if !p.IsInitialized() {
		return provider.Response{}, apperrors.BackendFailure(
			"provider not initialized", string(task.Kind))
	}

	r.mu.Lock()
	r.active[task.TaskID] = task
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, task.TaskID)
		r.mu.Unlock()
	}()

	return p.Execute(ctx, task)
}

// Stream dispatches a streaming task, tracking it the same way Execute
// does but releasing tracking only once the chunk channel is drained.
func (r *Registry) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
	p, ok := r.Get(task.Kind)
	if !ok {
		return nil, apperrors.NotFound("provider", string(task.Kind))
	}
	if !p.IsInitialized() {
		return nil, apperrors.BackendFailure("provider not initialized", string(task.Kind))
	}

	r.mu.Lock()
	r.active[task.TaskID] = task
	r.mu.Unlock()

	chunks, err := p.Stream(ctx, task)
	if err != nil {
		r.mu.Lock()
		delete(r.active, task.TaskID)
		r.mu.Unlock()
		return nil, err
	}

	out := make(chan provider.Chunk, cap(chunks))
	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.active, task.TaskID)
			r.mu.Unlock()
		}()
		for chunk := range chunks {
			out <- chunk
		}
	}()
	return out, nil
}

// Cancel stops an in-flight task on its owning provider.
func (r *Registry) Cancel(ctx context.Context, taskID string) error {
	r.mu.RLock()
	task, ok := r.active[taskID]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("task", taskID)
	}

	p, ok := r.Get(task.Kind)
	if !ok {
		return apperrors.NotFound("provider", string(task.Kind))
	}
	return p.Cancel(ctx, taskID)
}

// ActiveTasks returns every task currently dispatched.
func (r *Registry) ActiveTasks() []provider.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Task, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, t)
	}
	return out
}

// Shutdown cleans up every registered provider, absorbing individual
// failures so one misbehaving backend can't block the others from
// releasing their resources.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	providers := make([]provider.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	for _, p := range providers {
		if err := p.Cleanup(ctx); err != nil {
			r.log.WithError(err).Warn("provider cleanup failed", zap.String("kind", string(p.Kind())))
		}
	}
}

// Info summarizes one registered provider for the registration API.
type Info struct {
	Kind        provider.Kind
	Initialized bool
	Schema      provider.ConfigSchema
	Required    []string
}

// ProvidersInfo describes every registered provider, for GET /ai-providers.
func (r *Registry) ProvidersInfo() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.providers))
	for kind, p := range r.providers {
		out = append(out, Info{
			Kind:        kind,
			Initialized: p.IsInitialized(),
			Schema:      p.ConfigSchema(),
			Required:    p.RequiredConfigKeys(),
		})
	}
	return out
}
