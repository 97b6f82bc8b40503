// Package agent implements the agent lifecycle manager (C6): the
// hardest component, owning agent creation, task dispatch, event
// streaming, cancellation, status and disposal, plus the background
// zombie sweep.
package agent

import (
	"sync"
	"time"

	"github.com/basestar-sh/agentforge/internal/events"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/sandbox"
)

// Status is the agent lifecycle state spec.md §4.6 defines:
// Created -> Running <-> Idle -> Disposed, with Error reachable from
// Running and Idle, and Disposed terminal from any state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusError    Status = "error"
	StatusDisposed Status = "disposed"
)

// CanTransitionTo reports whether the state machine permits moving from
// the receiver to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusRunning || next == StatusDisposed
	case StatusRunning:
		return next == StatusIdle || next == StatusError || next == StatusDisposed
	case StatusIdle:
		return next == StatusRunning || next == StatusDisposed || next == StatusError
	case StatusError:
		return next == StatusRunning || next == StatusDisposed
	case StatusDisposed:
		return false
	}
	return false
}

// TaskOptions carries the per-request clamps spec.md §6 defines for
// task dispatch.
type TaskOptions struct {
	TimeoutSeconds int
	MaxTokens      int
	Temperature    float64
}

const (
	MinTimeoutSeconds = 30
	MaxTimeoutSeconds = 3600
	MinMaxTokens      = 100
	MaxMaxTokens      = 32000
	MinTemperature    = 0.0
	MaxTemperature    = 1.0

	DefaultTimeoutSeconds = 300
	DefaultMaxTokens      = 4096
	DefaultTemperature    = 0.0
)

// Clamp normalizes TaskOptions into the bounds spec.md §6 requires,
// filling in defaults for zero values.
func (o TaskOptions) Clamp() TaskOptions {
	out := o
	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	out.TimeoutSeconds = clampInt(out.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	out.MaxTokens = clampInt(out.MaxTokens, MinMaxTokens, MaxMaxTokens)
	out.Temperature = clampFloat(out.Temperature, MinTemperature, MaxTemperature)
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run is one dispatched task execution on an agent.
type Run struct {
	RunID          string
	AgentID        string
	Prompt         string
	Status         provider.Status
	StartedAt      time.Time
	FinishedAt     *time.Time
	Err            error
	TimeoutSeconds int
}

// Agent is one managed agent instance: a provider binding, a sandbox,
// an event queue, and lifecycle state.
type Agent struct {
	mu sync.RWMutex

	ID           string
	Kind         provider.Kind
	Model        string
	Sandbox      *sandbox.Sandbox
	Status       Status
	CreatedAt    time.Time
	LastActiveAt time.Time
	CurrentRun   *Run
	Queue        *events.Queue
}

// Snapshot is an immutable, lock-free copy of an Agent's state for API
// responses.
type Snapshot struct {
	ID           string
	Kind         provider.Kind
	Model        string
	Status       Status
	CreatedAt    time.Time
	LastActiveAt time.Time
	CurrentRunID string
}

func (a *Agent) snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Snapshot{
		ID:           a.ID,
		Kind:         a.Kind,
		Model:        a.Model,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt,
		LastActiveAt: a.LastActiveAt,
	}
	if a.CurrentRun != nil {
		s.CurrentRunID = a.CurrentRun.RunID
	}
	return s
}

func (a *Agent) setStatus(status Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Status = status
	a.LastActiveAt = time.Now().UTC()
}

func (a *Agent) getStatus() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Status
}
