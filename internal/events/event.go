// Package events defines the typed event envelope that flows from a
// provider's subprocess or HTTP output to agent subscribers (C7).
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the finite event-type vocabulary an agent's queue can carry.
type Type string

const (
	ToolCall     Type = "ToolCall"
	Edit         Type = "Edit"
	Log          Type = "Log"
	StatusChange Type = "StatusChange"
	TaskStart    Type = "TaskStart"
	TaskComplete Type = "TaskComplete"
	Error        Type = "Error"
)

// IsTerminal reports whether this event type ends a run; exactly one of
// TaskComplete/Error is the last event for any given run.
func (t Type) IsTerminal() bool {
	return t == TaskComplete || t == Error
}

// Event is the envelope every subscriber receives: {event_type,
// timestamp, agent_id, run_id?, payload}.
type Event struct {
	EventType Type        `json:"event_type"`
	Timestamp time.Time   `json:"timestamp"`
	AgentID   string      `json:"agent_id"`
	RunID     string      `json:"run_id,omitempty"`
	Payload   interface{} `json:"payload"`
}

// New stamps an event with the current time.
func New(eventType Type, agentID, runID string, payload interface{}) Event {
	return Event{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		RunID:     runID,
		Payload:   payload,
	}
}

// WireID produces the SSE "id:" field: "<agent_id>-<timestamp>". Callers
// emitting a rapid burst for the same agent should rely on the
// queue's production order, not uniqueness of this id alone, since
// timestamp resolution is bounded by the host clock.
func (e Event) WireID() string {
	return fmt.Sprintf("%s-%d", e.AgentID, e.Timestamp.UnixNano())
}

// Payload shapes — dynamic typing leaks in only at the JSON boundary.

type ToolCallPayload struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
}

type EditPayload struct {
	Path string `json:"path"`
	Diff string `json:"diff,omitempty"`
}

type LogPayload struct {
	Message string `json:"message"`
	Stream  string `json:"stream,omitempty"` // stdout, stderr
}

type StatusChangePayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type TaskStartPayload struct {
	Prompt string `json:"prompt"`
}

type TaskCompletePayload struct {
	ReturnCode int    `json:"return_code"`
	Content    string `json:"content,omitempty"`
}

type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// MarshalSSE renders the event in the wire format spec.md §6 requires:
// "event: <type>\ndata: <json payload>\nid: <agent_id-timestamp>\n\n".
func (e Event) MarshalSSE() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	out := fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.EventType, data, e.WireID())
	return []byte(out), nil
}
