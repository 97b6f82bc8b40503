// Package bus provides a cross-cutting lifecycle event channel, separate
// from the per-agent SSE event queue (see internal/events). It carries
// coarse-grained notifications — agent created/disposed, status changes —
// to external subscribers such as metrics or audit tooling.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LifecycleEvent is a message published on the bus.
type LifecycleEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewLifecycleEvent stamps a new event with a fresh id and timestamp.
func NewLifecycleEvent(eventType, source string, data map[string]interface{}) *LifecycleEvent {
	return &LifecycleEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, event *LifecycleEvent) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the cross-cutting event bus contract, implemented by both an
// in-memory bus (default) and a NATS-backed bus (when configured).
type Bus interface {
	Publish(ctx context.Context, subject string, event *LifecycleEvent) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
