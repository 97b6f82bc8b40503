package wsevents

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/agent"
	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Handler upgrades GET /agents/{id}/events/ws connections into a
// duplex socket mirroring the SSE stream for the same agent.
type Handler struct {
	hub    *Hub
	agents *agent.Manager
	log    *logger.Logger
}

// NewHandler constructs the websocket events handler.
func NewHandler(hub *Hub, agents *agent.Manager, log *logger.Logger) *Handler {
	return &Handler{hub: hub, agents: agents, log: log.WithFields(zap.String("component", "ws_events"))}
}

// Stream handles the upgrade and pump wiring for one agent's events.
func (h *Handler) Stream(c *gin.Context) {
	agentID := c.Param("id")
	queue, err := h.agents.StreamEvents(agentID)
	if err != nil {
		appErr, _ := apperrors.As(err)
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithAgentID(agentID).WithError(err).Warn("websocket upgrade failed")
		return
	}

	// The request context is cancelled as soon as this handler returns,
	// so the pump gets its own context, cancelled on disconnect.
	ctx, cancel := context.WithCancel(context.Background())
	client := h.hub.Register(ctx, uuid.New().String(), agentID, queue, h.log)

	go h.writePump(conn, client)
	go func() {
		defer cancel()
		h.readPump(conn)
	}()
}

// writePump relays the client's send channel onto the socket until it
// closes or the connection errors.
func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	defer conn.Close()
	for data := range client.Send() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump drains and discards client frames purely to detect
// disconnects and keep the read side of the socket serviced.
func (h *Handler) readPump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
