package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/common/tracing"
	"github.com/basestar-sh/agentforge/internal/events"
	"github.com/basestar-sh/agentforge/internal/events/bus"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/provider/registry"
	"github.com/basestar-sh/agentforge/internal/runlog"
	"github.com/basestar-sh/agentforge/internal/sandbox"
	"github.com/basestar-sh/agentforge/internal/security"
)

// Lifecycle bus subjects this manager publishes on.
const (
	SubjectAgentCreated  = "agent.created"
	SubjectAgentStatus   = "agent.status_changed"
	SubjectAgentDisposed = "agent.disposed"
)

// Manager owns every agent instance: creation, task dispatch, event
// streaming, cancellation, status reporting and disposal.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	sandboxes *sandbox.Manager
	policy    security.Policy
	providers *registry.Registry
	eventBus  bus.Bus
	runLog    runlog.Store
	log       *logger.Logger

	agentTimeout        time.Duration
	zombieSweepInterval time.Duration
	eventQueueCapacity  int
	cancels             *cancelRegistry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the Manager's collaborators.
type Deps struct {
	Sandboxes           *sandbox.Manager
	Policy              security.Policy
	Providers           *registry.Registry
	EventBus            bus.Bus
	RunLog              runlog.Store
	Log                 *logger.Logger
	AgentTimeout        time.Duration
	ZombieSweepInterval time.Duration
	EventQueueCapacity  int
}

// NewManager constructs the lifecycle manager. deps.RunLog may be nil,
// in which case completed runs simply aren't audited.
func NewManager(deps Deps) *Manager {
	return &Manager{
		agents:              make(map[string]*Agent),
		sandboxes:           deps.Sandboxes,
		policy:              deps.Policy,
		providers:           deps.Providers,
		eventBus:            deps.EventBus,
		runLog:              deps.RunLog,
		log:                 deps.Log.WithFields(zap.String("component", "agent_manager")),
		agentTimeout:        deps.AgentTimeout,
		zombieSweepInterval: deps.ZombieSweepInterval,
		eventQueueCapacity:  deps.EventQueueCapacity,
		cancels:             newCancelRegistry(),
		stopCh:              make(chan struct{}),
	}
}

// Start launches the background zombie-sweep loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.zombieSweepLoop()
}

// Stop halts the zombie-sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) runningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.agents {
		if a.getStatus() != StatusDisposed {
			n++
		}
	}
	return n
}

// CreateAgent provisions a new agent bound to a provider kind and
// model, enforcing the security policy's concurrency ceiling and
// creating its sandbox.
func (m *Manager) CreateAgent(ctx context.Context, kind provider.Kind, model string) (*Agent, error) {
	if m.runningCount() >= m.policy.MaxConcurrentAgents() {
		return nil, apperrors.CapacityExceeded(fmt.Sprintf(
			"concurrent agent ceiling of %d reached", m.policy.MaxConcurrentAgents()))
	}
	if _, ok := m.providers.Get(kind); !ok {
		return nil, apperrors.Validation("unknown provider kind: " + string(kind))
	}

	id := uuid.New().String()
	sb, err := m.sandboxes.CreateSandbox(id)
	if err != nil {
		return nil, apperrors.Internal("failed to create sandbox", err)
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:           id,
		Kind:         kind,
		Model:        model,
		Sandbox:      sb,
		Status:       StatusCreated,
		CreatedAt:    now,
		LastActiveAt: now,
		Queue:        events.NewQueue(m.eventQueueCapacity),
	}

	m.mu.Lock()
	m.agents[id] = a
	m.mu.Unlock()

	m.publishLifecycle(ctx, SubjectAgentCreated, a)
	m.log.WithAgentID(id).Info("agent created", zap.String("kind", string(kind)))
	return a, nil
}

// RunTask dispatches a prompt to an agent's bound provider, streaming
// resulting events into the agent's queue and transitioning
// Created/Idle -> Running -> Idle or Error.
func (m *Manager) RunTask(ctx context.Context, agentID, prompt string, opts TaskOptions) (*Run, error) {
	a, err := m.get(agentID)
	if err != nil {
		return nil, err
	}

	status := a.getStatus()
	if !status.CanTransitionTo(StatusRunning) {
		return nil, apperrors.Validation(fmt.Sprintf("agent %s cannot accept a task in state %s", agentID, status))
	}
	if status == StatusRunning {
		return nil, apperrors.Validation(fmt.Sprintf("agent %s already has a task in progress", agentID))
	}

	opts = opts.Clamp()
	runID := uuid.New().String()
	run := &Run{
		RunID:          runID,
		AgentID:        agentID,
		Prompt:         prompt,
		Status:         provider.StatusRunning,
		StartedAt:      time.Now().UTC(),
		TimeoutSeconds: opts.TimeoutSeconds,
	}

	a.mu.Lock()
	a.CurrentRun = run
	a.mu.Unlock()
	a.setStatus(StatusRunning)
	m.publishLifecycle(ctx, SubjectAgentStatus, a)

	a.Queue.Push(events.New(events.TaskStart, agentID, runID, events.TaskStartPayload{Prompt: prompt}))

	task := provider.Task{
		TaskID:        runID,
		AgentID:       agentID,
		RunID:         runID,
		Prompt:        prompt,
		Model:         a.Model,
		Kind:          a.Kind,
		WorkspacePath: a.Sandbox.WorkspaceDir,
		Temperature:   opts.Temperature,
		MaxTokens:     opts.MaxTokens,
		Timeout:       time.Duration(opts.TimeoutSeconds) * time.Second,
		Stream:        true,
	}

	// The run outlives the caller's (request) context; only the task
	// timeout and CancelTask end it.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), task.Timeout)
	m.cancels.track(agentID, runID, cancel)

	go m.execute(runCtx, a, run, task, cancel)

	return run, nil
}

func (m *Manager) execute(ctx context.Context, a *Agent, run *Run, task provider.Task, cancel context.CancelFunc) {
	defer cancel()
	defer m.cancels.untrack(a.ID, run.RunID)

	ctx, span := tracing.TraceRun(ctx, a.ID, run.RunID, string(task.Kind))
	defer span.End()

	chunks, err := m.providers.Stream(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.finishRun(a, run, provider.StatusFailed, err)
		return
	}

	var failed error
	for chunk := range chunks {
		if chunk.Err != nil {
			failed = chunk.Err
			continue
		}
		if chunk.Content != "" {
			a.Queue.Push(events.New(events.Log, a.ID, run.RunID, events.LogPayload{Message: chunk.Content, Stream: "stdout"}))
		}
	}

	if failed != nil {
		span.RecordError(failed)
		span.SetStatus(codes.Error, failed.Error())
		m.finishRun(a, run, provider.StatusFailed, failed)
		return
	}
	m.finishRun(a, run, provider.StatusCompleted, nil)
}

func (m *Manager) finishRun(a *Agent, run *Run, status provider.Status, runErr error) {
	now := time.Now().UTC()
	a.mu.Lock()
	run.Status = status
	run.FinishedAt = &now
	run.Err = runErr
	a.CurrentRun = nil
	a.mu.Unlock()

	if runErr != nil {
		a.setStatus(StatusError)
		a.Queue.Push(events.New(events.Error, a.ID, run.RunID, events.ErrorPayload{Reason: "run_failed", Message: runErr.Error()}))
	} else {
		a.setStatus(StatusIdle)
		a.Queue.Push(events.New(events.TaskComplete, a.ID, run.RunID, events.TaskCompletePayload{ReturnCode: 0}))
	}
	m.publishLifecycle(context.Background(), SubjectAgentStatus, a)
	m.recordRun(a, run)
}

// recordRun audits a finished run, absorbing failures since the audit
// trail is a supplement to the in-memory core, not load-bearing for it.
func (m *Manager) recordRun(a *Agent, run *Run) {
	if m.runLog == nil {
		return
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	rec := runlog.Record{
		RunID:      run.RunID,
		AgentID:    run.AgentID,
		Kind:       a.Kind,
		PromptHash: runlog.HashPrompt(run.Prompt),
		Status:     run.Status,
		DurationMS: finished.Sub(run.StartedAt).Milliseconds(),
		FinishedAt: finished,
	}
	if err := m.runLog.Record(context.Background(), rec); err != nil {
		m.log.WithAgentID(a.ID).WithRunID(run.RunID).WithError(err).Warn("failed to record run audit entry")
	}
}

// StreamEvents returns the drain/wait primitives an SSE or WebSocket
// handler uses to stream an agent's events as they arrive.
func (m *Manager) StreamEvents(agentID string) (*events.Queue, error) {
	a, err := m.get(agentID)
	if err != nil {
		return nil, err
	}
	return a.Queue, nil
}

// CancelTask cancels a specific in-flight run on an agent.
func (m *Manager) CancelTask(ctx context.Context, agentID, runID string) error {
	a, err := m.get(agentID)
	if err != nil {
		return err
	}

	a.mu.RLock()
	current := a.CurrentRun
	a.mu.RUnlock()
	if current == nil || current.RunID != runID {
		return apperrors.NotFound("run", runID)
	}

	if err := m.providers.Cancel(ctx, runID); err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	if cancel, ok := m.cancels.lookup(agentID, runID); ok {
		cancel()
	}
	return nil
}

// GetStatus returns a point-in-time snapshot of an agent.
func (m *Manager) GetStatus(agentID string) (Snapshot, error) {
	a, err := m.get(agentID)
	if err != nil {
		return Snapshot{}, err
	}
	return a.snapshot(), nil
}

// ListAgents returns a snapshot of every tracked agent.
func (m *Manager) ListAgents() []Snapshot {
	m.mu.RLock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.snapshot())
	}
	return out
}

// DisposeAgent tears down an agent: cancels any in-flight run, cleans
// up its sandbox, and removes it from tracking.
func (m *Manager) DisposeAgent(ctx context.Context, agentID string) error {
	a, err := m.get(agentID)
	if err != nil {
		return err
	}

	a.mu.RLock()
	current := a.CurrentRun
	a.mu.RUnlock()
	if current != nil {
		_ = m.CancelTask(ctx, agentID, current.RunID)
	}

	a.Queue.Close()
	a.setStatus(StatusDisposed)

	if err := m.sandboxes.CleanupSandbox(agentID); err != nil {
		m.log.WithAgentID(agentID).WithError(err).Warn("failed to clean up sandbox during disposal")
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.publishLifecycle(ctx, SubjectAgentDisposed, a)
	m.log.WithAgentID(agentID).Info("agent disposed")
	return nil
}

func (m *Manager) get(agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return a, nil
}

func (m *Manager) publishLifecycle(ctx context.Context, subject string, a *Agent) {
	if m.eventBus == nil {
		return
	}
	snap := a.snapshot()
	event := bus.NewLifecycleEvent(subject, "agent-manager", map[string]interface{}{
		"agent_id": snap.ID,
		"kind":     string(snap.Kind),
		"status":   string(snap.Status),
	})
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.log.WithAgentID(a.ID).WithError(err).Warn("failed to publish lifecycle event")
	}
}

// zombieGraceWindow is added on top of a run's own declared timeout
// before it's treated as a zombie by providers that expose no direct
// liveness check: the run's context is already racing that timeout, so
// this only catches a monitor that failed to observe the resulting
// cancellation, not the timeout itself.
const zombieGraceWindow = 10 * time.Second

// zombieSweepLoop periodically scans for agents in Running whose
// subprocess/container has already exited without the monitor clearing
// it, forcing them to Error. Runs every zombieSweepInterval (5 minutes
// by default).
func (m *Manager) zombieSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.zombieSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepZombies()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepZombies() {
	m.mu.RLock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, a := range agents {
		a.mu.RLock()
		status := a.Status
		run := a.CurrentRun
		kind := a.Kind
		a.mu.RUnlock()

		if status != StatusRunning || run == nil {
			continue
		}
		if !m.isZombie(kind, run, now) {
			continue
		}

		m.log.WithAgentID(a.ID).Warn("zombie sweep: forcing stuck run to error", zap.String("run_id", run.RunID))
		if cancel, ok := m.cancels.lookup(a.ID, run.RunID); ok {
			cancel()
		}
		m.finishRun(a, run, provider.StatusFailed, fmt.Errorf("process terminated unexpectedly"))
	}
}

// isZombie reports whether run's underlying process/session has already
// exited without execute's chunk loop observing it and clearing the
// agent's CurrentRun. Providers backed by an OS process or container
// (provider.LivenessChecker) are probed directly; providers with no
// process underneath have nothing to probe, so fall back to comparing
// elapsed time against the run's own effective timeout (never the
// agent-level default, which has no relationship to any one run) plus
// zombieGraceWindow to let normal context-cancellation cleanup finish
// first.
func (m *Manager) isZombie(kind provider.Kind, run *Run, now time.Time) bool {
	p, ok := m.providers.Get(kind)
	if !ok {
		return false
	}
	if checker, ok := p.(provider.LivenessChecker); ok {
		return !checker.IsAlive(run.RunID)
	}

	timeout := time.Duration(run.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = m.agentTimeout
	}
	return now.Sub(run.StartedAt) >= timeout+zombieGraceWindow
}
