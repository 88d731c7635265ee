package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the type of a wire event delivered to chat clients.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventSource     EventType = "source"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventError      EventType = "error"
	EventDone       EventType = "done"

	// EventMessage carries a whole persisted message. It is only produced when
	// a resume falls back to the message store.
	EventMessage EventType = "message"
)

// Terminal reports whether the event ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Event is a single wire event. Seq is the position of the event in the
// stream buffer.
type Event struct {
	Seq     int             `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes payload into an event of the given type.
func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// TextDelta is the payload of a text-delta event.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCall is the payload of a tool-call event.
type ToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the payload of a tool-result event.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ErrorEvent is the payload of an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DoneEvent is the payload of a done event.
type DoneEvent struct {
	MessageID    string `json:"message_id"`
	FinishReason string `json:"finish_reason"`
}

// LifecycleType represents the type of a stream lifecycle event.
type LifecycleType string

const (
	LifecycleStarted   LifecycleType = "started"
	LifecycleCompleted LifecycleType = "completed"
	LifecycleError     LifecycleType = "error"
	LifecycleCancel    LifecycleType = "cancel"
	LifecycleTimeout   LifecycleType = "timeout"
)

// LifecycleEvent records a state change of a stream for auditing.
type LifecycleEvent struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	StreamID       string        `json:"stream_id"`
	Type           LifecycleType `json:"type"`
	Reason         string        `json:"reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
