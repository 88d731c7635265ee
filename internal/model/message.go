package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the variants of Part.
type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeSource         PartType = "source"
	PartTypeToolInvocation PartType = "tool-invocation"
)

// Part is one typed piece of message content. The set of implementations is
// closed: TextPart, SourcePart and ToolInvocationPart.
type Part interface {
	PartType() PartType
}

// TextPart is plain model or user text.
type TextPart struct {
	Text string `json:"text"`
}

// SourcePart is a citation emitted by the model.
type SourcePart struct {
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

// ToolState tracks the lifecycle of a tool invocation.
type ToolState string

const (
	ToolStateCall   ToolState = "call"
	ToolStateResult ToolState = "result"
)

// ToolInvocationPart records a tool call and, once known, its result.
type ToolInvocationPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	State      ToolState       `json:"state"`
}

func (TextPart) PartType() PartType           { return PartTypeText }
func (SourcePart) PartType() PartType         { return PartTypeSource }
func (ToolInvocationPart) PartType() PartType { return PartTypeToolInvocation }

// Parts is an ordered list of message parts with a tagged JSON encoding.
type Parts []Part

// MarshalJSON encodes every part as an object carrying a "type" discriminator.
func (ps Parts) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(ps))
	for i, p := range ps {
		var (
			data []byte
			err  error
		)
		switch v := p.(type) {
		case TextPart:
			data, err = json.Marshal(struct {
				Type PartType `json:"type"`
				TextPart
			}{PartTypeText, v})
		case SourcePart:
			data, err = json.Marshal(struct {
				Type PartType `json:"type"`
				SourcePart
			}{PartTypeSource, v})
		case ToolInvocationPart:
			data, err = json.Marshal(struct {
				Type PartType `json:"type"`
				ToolInvocationPart
			}{PartTypeToolInvocation, v})
		default:
			return nil, fmt.Errorf("part %d: unsupported part %T", i, p)
		}
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes tagged parts, rejecting unknown types.
func (ps *Parts) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parts := make(Parts, 0, len(raw))
	for i, r := range raw {
		var head struct {
			Type PartType `json:"type"`
		}
		if err := json.Unmarshal(r, &head); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}

		switch head.Type {
		case PartTypeText:
			var p TextPart
			if err := json.Unmarshal(r, &p); err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			parts = append(parts, p)
		case PartTypeSource:
			var p SourcePart
			if err := json.Unmarshal(r, &p); err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			parts = append(parts, p)
		case PartTypeToolInvocation:
			var p ToolInvocationPart
			if err := json.Unmarshal(r, &p); err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			parts = append(parts, p)
		default:
			return fmt.Errorf("part %d: unknown part type %q", i, head.Type)
		}
	}

	*ps = parts
	return nil
}

// Metadata carries bookkeeping attached to a message.
type Metadata struct {
	CreatedAt    time.Time `json:"created_at"`
	Model        string    `json:"model,omitempty"`
	StreamID     string    `json:"stream_id,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Role           Role     `json:"role"`
	Parts          Parts    `json:"parts"`
	Metadata       Metadata `json:"metadata"`
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// AssistantMessageID returns the id under which the assistant reply of a
// stream is persisted. Deriving it from the stream id makes repeated appends
// of the same turn overwrite one row.
func AssistantMessageID(streamID string) string {
	return "msg-" + streamID
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages      []Message `json:"messages"`
	StreamActive  bool      `json:"stream_active"`
	CurrentStream string    `json:"current_stream,omitempty"`
}
