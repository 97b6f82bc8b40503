package api

import (
	"github.com/gin-gonic/gin"

	"github.com/basestar-sh/agentforge/internal/agent"
	"github.com/basestar-sh/agentforge/internal/api/wsevents"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider/registry"
)

// NewRouter wires the routes spec.md §6 names onto a gin engine, plus
// the additive WebSocket event transport.
func NewRouter(agents *agent.Manager, providers *registry.Registry, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelTracing("agentd"))
	r.Use(requestLogger(log))

	h := NewHandler(agents, providers, log)
	ws := wsevents.NewHandler(wsevents.NewHub(log), agents, log)

	r.POST("/agents", h.CreateAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/health", h.Health)
	r.GET("/agents/:id", h.GetAgent)
	r.DELETE("/agents/:id", h.DisposeAgent)
	r.POST("/agents/:id/tasks", h.RunTask)
	r.GET("/agents/:id/events", h.StreamEvents)
	r.GET("/agents/:id/events/ws", ws.Stream)
	r.POST("/agents/:id/cancel/:run_id", h.CancelTask)

	r.POST("/ai-providers/register", h.RegisterProvider)
	r.GET("/ai-providers", h.ListProviders)
	r.POST("/ai-providers/tasks", h.OneShotTask)

	return r
}
