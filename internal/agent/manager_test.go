package agent_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basestar-sh/agentforge/internal/agent"
	"github.com/basestar-sh/agentforge/internal/common/config"
	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/events/bus"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/provider/registry"
	"github.com/basestar-sh/agentforge/internal/sandbox"
	"github.com/basestar-sh/agentforge/internal/security"
)

// fakeProvider is a minimal in-memory Provider used to exercise the
// lifecycle manager without spawning real subprocesses or network
// calls.
type fakeProvider struct {
	kind    provider.Kind
	content string
	fail    bool
	delay   time.Duration
}

func (f *fakeProvider) Kind() provider.Kind                                      { return f.kind }
func (f *fakeProvider) Initialize(ctx context.Context) error                     { return nil }
func (f *fakeProvider) IsInitialized() bool                                      { return true }
func (f *fakeProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Healthy: true}, nil
}
func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeProvider) RequiredConfigKeys() []string                     { return nil }
func (f *fakeProvider) ConfigSchema() provider.ConfigSchema              { return provider.ConfigSchema{} }
func (f *fakeProvider) Cleanup(ctx context.Context) error                { return nil }
func (f *fakeProvider) Cancel(ctx context.Context, taskID string) error  { return nil }

func (f *fakeProvider) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	if f.fail {
		return provider.Response{}, apperrors.BackendFailure("boom", "simulated failure")
	}
	return provider.Response{Content: f.content, Status: provider.StatusCompleted, Kind: f.kind}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk, 2)
	go func() {
		defer close(out)
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				out <- provider.Chunk{Err: ctx.Err()}
				return
			}
		}
		if f.fail {
			out <- provider.Chunk{Err: apperrors.BackendFailure("boom", "simulated failure")}
			return
		}
		out <- provider.Chunk{Content: f.content}
		out <- provider.Chunk{Done: true}
	}()
	return out, nil
}

func newTestManager(t *testing.T, fp *fakeProvider) *agent.Manager {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	sbMgr, err := sandbox.NewManager(config.SandboxConfig{BaseDir: t.TempDir(), OrphanTTL: 24, SweepInterval: 60}, log)
	require.NoError(t, err)

	policy := security.NewDefaultPolicy(config.SecurityConfig{
		AllowedTools:        []string{"Read"},
		MaxConcurrentAgents: 2,
	}, log)

	reg := registry.New(log)
	reg.Register(fp)

	return agent.NewManager(agent.Deps{
		Sandboxes:           sbMgr,
		Policy:              policy,
		Providers:           reg,
		EventBus:            bus.NewMemoryBus(log),
		Log:                 log,
		AgentTimeout:        5 * time.Second,
		ZombieSweepInterval: time.Hour,
		EventQueueCapacity:  1024,
	})
}

func TestCreateAgent_EnforcesConcurrencyCeiling(t *testing.T) {
	fp := &fakeProvider{kind: provider.KindClaudeAPI, content: "hi"}
	m := newTestManager(t, fp)
	ctx := context.Background()

	_, err := m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)
	_, err = m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)

	_, err = m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.Error(t, err)
	assert.True(t, apperrors.IsCapacityExceeded(err))
}

func TestRunTask_CompletesAndTransitionsToIdle(t *testing.T) {
	fp := &fakeProvider{kind: provider.KindClaudeAPI, content: "hello world"}
	m := newTestManager(t, fp)
	ctx := context.Background()

	a, err := m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)

	_, err = m.RunTask(ctx, a.ID, "say hi", agent.TaskOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := m.GetStatus(a.ID)
		return err == nil && snap.Status == agent.StatusIdle
	}, time.Second, 10*time.Millisecond)

	queue, err := m.StreamEvents(a.ID)
	require.NoError(t, err)
	events := queue.Drain()
	require.NotEmpty(t, events)
}

func TestRunTask_FailurePutsAgentInError(t *testing.T) {
	fp := &fakeProvider{kind: provider.KindClaudeAPI, fail: true}
	m := newTestManager(t, fp)
	ctx := context.Background()

	a, err := m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)

	_, err = m.RunTask(ctx, a.ID, "say hi", agent.TaskOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := m.GetStatus(a.ID)
		return err == nil && snap.Status == agent.StatusError
	}, time.Second, 10*time.Millisecond)
}

func TestRunTask_RejectsSecondConcurrentTask(t *testing.T) {
	fp := &fakeProvider{kind: provider.KindClaudeAPI, content: "slow", delay: 200 * time.Millisecond}
	m := newTestManager(t, fp)
	ctx := context.Background()

	a, err := m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)

	_, err = m.RunTask(ctx, a.ID, "first", agent.TaskOptions{})
	require.NoError(t, err)

	_, err = m.RunTask(ctx, a.ID, "second", agent.TaskOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDisposeAgent_CleansUpSandboxAndFreesCapacity(t *testing.T) {
	fp := &fakeProvider{kind: provider.KindClaudeAPI, content: "hi"}
	m := newTestManager(t, fp)
	ctx := context.Background()

	a, err := m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)

	root := a.Sandbox.RootPath

	require.NoError(t, m.DisposeAgent(ctx, a.ID))

	_, err = m.GetStatus(a.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr))

	// The ceiling is 2; both slots are free again after disposal.
	_, err = m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)
	_, err = m.CreateAgent(ctx, provider.KindClaudeAPI, "model-a")
	require.NoError(t, err)
}

func TestTaskOptionsClamp(t *testing.T) {
	opts := agent.TaskOptions{TimeoutSeconds: 1, MaxTokens: 999999, Temperature: 5}.Clamp()
	assert.Equal(t, agent.MinTimeoutSeconds, opts.TimeoutSeconds)
	assert.Equal(t, agent.MaxMaxTokens, opts.MaxTokens)
	assert.Equal(t, agent.MaxTemperature, opts.Temperature)
}
