package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/basestar-sh/agentforge/internal/common/logger"
)

// NATSBus implements Bus over a NATS connection, for deployments that
// want lifecycle events to reach other processes.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSub) IsValid() bool      { return s.sub.IsValid() }

// NewNATSBus connects to the given NATS URL.
func NewNATSBus(url, clientName string, log *logger.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name(clientName), nats.MaxReconnects(10))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSBus{conn: conn, log: log}, nil
}

func (b *NATSBus) Publish(_ context.Context, subject string, event *LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event LifecycleEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.WithError(err).Warn("dropping malformed lifecycle event")
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Warn("lifecycle event handler failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &natsSub{sub: sub}, nil
}

func (b *NATSBus) Close() {
	b.conn.Close()
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
