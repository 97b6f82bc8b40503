// Package wsevents is an additive WebSocket transport for agent events,
// alongside the spec-mandated SSE transport. Clients subscribe to one
// agent id and receive its queued events as the same wire-formatted
// text frames the SSE handler writes, off the same per-agent
// events.Queue.
package wsevents

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/events"
)

// Client is one subscribed WebSocket connection.
type Client struct {
	ID      string
	AgentID string
	send    chan []byte
	hub     *Hub
	log     *logger.Logger
}

func newClient(id, agentID string, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		AgentID: agentID,
		send:    make(chan []byte, 256),
		hub:     hub,
		log:     log.WithFields(zap.String("client_id", id)),
	}
}

// Hub tracks the clients subscribed to each agent. Every client's pump
// drains the same single-consumer events.Queue, so each event reaches
// exactly one of an agent's subscribers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool // agentID -> clients
	log     *logger.Logger
}

// NewHub constructs an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
		log:     log.WithFields(zap.String("component", "ws_events_hub")),
	}
}

// Register subscribes a client to an agent's events and starts a
// pump goroutine draining the agent's queue into the client's send
// channel until ctx is done or a terminal (TaskComplete/Error) event has
// been forwarded.
func (h *Hub) Register(ctx context.Context, id, agentID string, queue *events.Queue, log *logger.Logger) *Client {
	c := newClient(id, agentID, h, log)

	h.mu.Lock()
	if h.clients[agentID] == nil {
		h.clients[agentID] = make(map[*Client]bool)
	}
	h.clients[agentID][c] = true
	h.mu.Unlock()

	go h.pump(ctx, c, queue)
	return c
}

func (h *Hub) pump(ctx context.Context, c *Client, queue *events.Queue) {
	defer h.unregister(c)
	for {
		for _, e := range queue.Drain() {
			data, err := e.MarshalSSE()
			if err != nil {
				c.log.WithError(err).Warn("failed to marshal event for websocket client")
				continue
			}
			select {
			case c.send <- data:
			default:
				c.log.Warn("websocket client send buffer full, dropping event")
			}
			if e.EventType.IsTerminal() {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-queue.Wait():
		}
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[c.AgentID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, c.AgentID)
		}
	}
	close(c.send)
}

// Send returns the client's outbound channel for the connection's
// write pump to drain.
func (c *Client) Send() <-chan []byte { return c.send }

// SubscriberCount reports how many clients are subscribed to an agent.
func (h *Hub) SubscriberCount(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[agentID])
}
