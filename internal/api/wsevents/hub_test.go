package wsevents_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basestar-sh/agentforge/internal/api/wsevents"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/events"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestHub_RegisterForwardsQueuedEventsAsSSEFrames(t *testing.T) {
	log := testLogger(t)
	hub := wsevents.NewHub(log)
	queue := events.NewQueue(1024)

	queue.Push(events.New(events.Log, "agent-1", "run-1", events.LogPayload{Message: "hello", Stream: "stdout"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := hub.Register(ctx, "client-1", "agent-1", queue, log)

	select {
	case data := <-client.Send():
		frame := string(data)
		assert.True(t, strings.HasPrefix(frame, "event: Log\n"))
		assert.Contains(t, frame, `"message":"hello"`)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded frame")
	}
}

func TestHub_SubscriberCountTracksRegisteredClients(t *testing.T) {
	log := testLogger(t)
	hub := wsevents.NewHub(log)
	queue := events.NewQueue(1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.Register(ctx, "client-1", "agent-1", queue, log)

	assert.Equal(t, 1, hub.SubscriberCount("agent-1"))
	assert.Equal(t, 0, hub.SubscriberCount("agent-2"))
}

func TestHub_PumpEndsAfterTerminalEvent(t *testing.T) {
	log := testLogger(t)
	hub := wsevents.NewHub(log)
	queue := events.NewQueue(1024)

	queue.Push(events.New(events.TaskComplete, "agent-1", "run-1", events.TaskCompletePayload{ReturnCode: 0}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := hub.Register(ctx, "client-1", "agent-1", queue, log)

	select {
	case _, ok := <-client.Send():
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal frame")
	}

	select {
	case _, ok := <-client.Send():
		assert.False(t, ok, "send channel should close after the terminal event")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
