// Package api implements the HTTP surface spec.md §6 defines: agent
// CRUD, task dispatch, SSE event streaming, cancellation, health, and
// the provider registration/listing/one-shot-execution routes.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/agent"
	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/provider/registry"
)

// Handler holds every collaborator the HTTP surface dispatches into.
type Handler struct {
	agents    *agent.Manager
	providers *registry.Registry
	log       *logger.Logger
}

// NewHandler constructs the API handler set.
func NewHandler(agents *agent.Manager, providers *registry.Registry, log *logger.Logger) *Handler {
	return &Handler{
		agents:    agents,
		providers: providers,
		log:       log.WithFields(zap.String("component", "api")),
	}
}

func (h *Handler) writeErr(c *gin.Context, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": err.Error()}})
		return
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

// CreateAgent handles POST /agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeErr(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	a, err := h.agents.CreateAgent(c.Request.Context(), provider.Kind(req.Kind), req.Model)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, CreateAgentResponse{AgentID: a.ID})
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	snaps := h.agents.ListAgents()
	out := make([]AgentResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotToResponse(s))
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: out, Total: len(out)})
}

// GetAgent handles GET /agents/{id}.
func (h *Handler) GetAgent(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.agents.GetStatus(id)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotToResponse(snap))
}

// DisposeAgent handles DELETE /agents/{id}.
func (h *Handler) DisposeAgent(c *gin.Context) {
	id := c.Param("id")
	if err := h.agents.DisposeAgent(c.Request.Context(), id); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent disposed"})
}

// RunTask handles POST /agents/{id}/tasks.
func (h *Handler) RunTask(c *gin.Context) {
	id := c.Param("id")
	var req RunTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeErr(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	run, err := h.agents.RunTask(c.Request.Context(), id, req.Prompt, agent.TaskOptions{
		TimeoutSeconds: req.TimeoutSeconds,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, RunTaskResponse{RunID: run.RunID, Status: "running"})
}

// CancelTask handles POST /agents/{id}/cancel/{run_id}.
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	runID := c.Param("run_id")
	if err := h.agents.CancelTask(c.Request.Context(), id, runID); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancelled"})
}

// Health handles GET /agents/health.
func (h *Handler) Health(c *gin.Context) {
	snaps := h.agents.ListAgents()
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		AgentsCount: len(snaps),
		Timestamp:   time.Now().UTC(),
	})
}

// StreamEvents handles GET /agents/{id}/events, an SSE stream of the
// agent's queued events until disposal or client disconnect. Disposal is
// noticed at the next wake-up or keep-alive tick, after the events
// buffered before it have been written.
func (h *Handler) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	queue, err := h.agents.StreamEvents(id)
	if err != nil {
		h.writeErr(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.writeErr(c, apperrors.Internal("streaming unsupported by response writer", nil))
		return
	}

	ctx := c.Request.Context()
	for {
		for _, e := range queue.Drain() {
			data, err := e.MarshalSSE()
			if err != nil {
				h.log.WithAgentID(id).WithError(err).Warn("failed to marshal SSE event")
				continue
			}
			if _, err := c.Writer.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}

		if _, err := h.agents.GetStatus(id); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-queue.Wait():
		case <-time.After(15 * time.Second):
			// keep-alive comment so intermediaries don't close an idle stream
			if _, err := c.Writer.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func snapshotToResponse(s agent.Snapshot) AgentResponse {
	return AgentResponse{
		AgentID:      s.ID,
		Kind:         string(s.Kind),
		Model:        s.Model,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		CurrentRunID: s.CurrentRunID,
	}
}

// RegisterProvider handles POST /ai-providers/register. Config
// validation and initialization of a provider by kind is driven
// through the registry's already-registered instance for that kind —
// this route checks the supplied config for the provider's required
// keys and re-initializes the instance with its startup configuration;
// the supplied values are not applied or stored. Constructing new
// provider kinds at runtime is out of scope (providers are wired at
// startup in cmd/agentd).
func (h *Handler) RegisterProvider(c *gin.Context) {
	var req RegisterProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeErr(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	p, ok := h.providers.Get(provider.Kind(req.Kind))
	if !ok {
		h.writeErr(c, apperrors.Validation(fmt.Sprintf("unknown provider kind %q", req.Kind)))
		return
	}

	if missing := provider.ValidateConfig(p, req.Config); len(missing) > 0 {
		h.writeErr(c, apperrors.Validation(fmt.Sprintf("%v", missing)))
		return
	}

	if err := p.Initialize(c.Request.Context()); err != nil {
		h.writeErr(c, apperrors.BackendFailure("provider initialization failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"kind": req.Kind, "initialized": p.IsInitialized()})
}

// ListProviders handles GET /ai-providers.
func (h *Handler) ListProviders(c *gin.Context) {
	infos := h.providers.ProvidersInfo()
	out := make([]ProviderInfoResponse, 0, len(infos))
	for _, info := range infos {
		status := "uninitialized"
		var models []string
		if p, ok := h.providers.Get(info.Kind); ok && info.Initialized {
			status = "ready"
			models, _ = p.ListModels(c.Request.Context())
		}
		out = append(out, ProviderInfoResponse{
			Kind:        string(info.Kind),
			Initialized: info.Initialized,
			Status:      status,
			Models:      models,
			Schema: Schema{
				Type:       info.Schema.Type,
				Properties: info.Schema.Properties,
				Required:   info.Required,
			},
		})
	}
	c.JSON(http.StatusOK, ProvidersListResponse{Providers: out})
}

// OneShotTask handles POST /ai-providers/tasks: a direct registry
// dispatch that bypasses agent lifecycle entirely, for callers that
// just want one prompt answered by a given backend.
func (h *Handler) OneShotTask(c *gin.Context) {
	var req OneShotTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeErr(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	opts := agent.TaskOptions{
		TimeoutSeconds: req.TimeoutSeconds,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
	}.Clamp()

	task := provider.Task{
		TaskID:      uuid.New().String(),
		Prompt:      req.Prompt,
		Model:       req.Model,
		Kind:        provider.Kind(req.Kind),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Timeout:     time.Duration(opts.TimeoutSeconds) * time.Second,
		Stream:      req.Stream,
	}

	if !req.Stream {
		resp, err := h.providers.Execute(c.Request.Context(), task)
		if err != nil {
			h.writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, OneShotTaskResponse{
			Content:      resp.Content,
			Status:       string(resp.Status),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		})
		return
	}

	chunks, err := h.providers.Stream(c.Request.Context(), task)
	if err != nil {
		h.writeErr(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.writeErr(c, apperrors.Internal("streaming unsupported by response writer", nil))
		return
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			fmt.Fprintf(c.Writer, "event: Error\ndata: %q\n\n", chunk.Err.Error())
			flusher.Flush()
			continue
		}
		if chunk.Content != "" {
			fmt.Fprintf(c.Writer, "event: Chunk\ndata: %q\n\n", chunk.Content)
			flusher.Flush()
		}
		if chunk.Done {
			fmt.Fprint(c.Writer, "event: Done\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
