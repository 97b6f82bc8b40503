package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basestar-sh/agentforge/internal/agent"
	"github.com/basestar-sh/agentforge/internal/api"
	"github.com/basestar-sh/agentforge/internal/common/config"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/events/bus"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/provider/registry"
	"github.com/basestar-sh/agentforge/internal/sandbox"
	"github.com/basestar-sh/agentforge/internal/security"
)

type stubProvider struct {
	kind provider.Kind
}

func (s *stubProvider) Kind() provider.Kind                  { return s.kind }
func (s *stubProvider) Initialize(ctx context.Context) error { return nil }
func (s *stubProvider) IsInitialized() bool                  { return true }
func (s *stubProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Healthy: true}, nil
}
func (s *stubProvider) ListModels(ctx context.Context) ([]string, error) { return []string{"m1"}, nil }
func (s *stubProvider) RequiredConfigKeys() []string                     { return []string{"api_key"} }
func (s *stubProvider) ConfigSchema() provider.ConfigSchema {
	return provider.ConfigSchema{Type: "object", Properties: []string{"api_key"}, Required: []string{"api_key"}}
}
func (s *stubProvider) Cleanup(ctx context.Context) error               { return nil }
func (s *stubProvider) Cancel(ctx context.Context, taskID string) error { return nil }
func (s *stubProvider) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	return provider.Response{Content: "ok", Status: provider.StatusCompleted}, nil
}
func (s *stubProvider) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk, 2)
	out <- provider.Chunk{Content: "ok"}
	out <- provider.Chunk{Done: true}
	close(out)
	return out, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	sbMgr, err := sandbox.NewManager(config.SandboxConfig{BaseDir: t.TempDir(), OrphanTTL: 24, SweepInterval: 60}, log)
	require.NoError(t, err)

	policy := security.NewDefaultPolicy(config.SecurityConfig{
		AllowedTools:        []string{"Read"},
		MaxConcurrentAgents: 5,
	}, log)

	reg := registry.New(log)
	reg.Register(&stubProvider{kind: provider.KindClaudeAPI})

	mgr := agent.NewManager(agent.Deps{
		Sandboxes:           sbMgr,
		Policy:              policy,
		Providers:           reg,
		EventBus:            bus.NewMemoryBus(log),
		Log:                 log,
		AgentTimeout:        5 * time.Second,
		ZombieSweepInterval: time.Hour,
		EventQueueCapacity:  1024,
	})

	return api.NewRouter(mgr, reg, log)
}

func doRequest(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetAgent(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/agents", api.CreateAgentRequest{Kind: "claude_api", Model: "m1"})
	require.Equal(t, http.StatusOK, w.Code)

	var created api.CreateAgentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.AgentID)

	w = doRequest(r, http.MethodGet, "/agents/"+created.AgentID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got api.AgentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.AgentID, got.AgentID)
	assert.Equal(t, "created", got.Status)
}

func TestGetAgent_UnknownReturns404(t *testing.T) {
	r := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/agents/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunTask_ReturnsRunningStatus(t *testing.T) {
	r := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/agents", api.CreateAgentRequest{Kind: "claude_api", Model: "m1"})
	require.Equal(t, http.StatusOK, w.Code)
	var created api.CreateAgentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doRequest(r, http.MethodPost, "/agents/"+created.AgentID+"/tasks", api.RunTaskRequest{Prompt: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	var run api.RunTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, "running", run.Status)
	assert.NotEmpty(t, run.RunID)
}

func TestHealth_ReportsAgentCount(t *testing.T) {
	r := newTestRouter(t)
	doRequest(r, http.MethodPost, "/agents", api.CreateAgentRequest{Kind: "claude_api", Model: "m1"})

	w := doRequest(r, http.MethodGet, "/agents/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.AgentsCount)
}

func TestListProviders_ReportsRegisteredKind(t *testing.T) {
	r := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/ai-providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list api.ProvidersListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Providers, 1)
	assert.Equal(t, "claude_api", list.Providers[0].Kind)
}

func TestCreateAgent_UnknownKindIsBadRequest(t *testing.T) {
	r := newTestRouter(t)
	w := doRequest(r, http.MethodPost, "/agents", api.CreateAgentRequest{Kind: "no_such_kind", Model: "m1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
