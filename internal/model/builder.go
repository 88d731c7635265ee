package model

import (
	"encoding/json"
	"time"
)

// MessageBuilder accumulates streamed output into an assistant message.
// Text deltas extend the trailing text part; other parts are appended in
// emission order.
type MessageBuilder struct {
	msg Message
}

// NewMessageBuilder starts an assistant message for the given stream.
func NewMessageBuilder(conversationID, streamID, modelName string) *MessageBuilder {
	return &MessageBuilder{
		msg: Message{
			ID:             AssistantMessageID(streamID),
			ConversationID: conversationID,
			Role:           RoleAssistant,
			Metadata: Metadata{
				CreatedAt: time.Now().UTC(),
				Model:     modelName,
				StreamID:  streamID,
			},
		},
	}
}

// AppendText adds a text delta.
func (b *MessageBuilder) AppendText(delta string) {
	if delta == "" {
		return
	}
	if n := len(b.msg.Parts); n > 0 {
		if t, ok := b.msg.Parts[n-1].(TextPart); ok {
			t.Text += delta
			b.msg.Parts[n-1] = t
			return
		}
	}
	b.msg.Parts = append(b.msg.Parts, TextPart{Text: delta})
}

// AddSource appends a citation.
func (b *MessageBuilder) AddSource(s SourcePart) {
	b.msg.Parts = append(b.msg.Parts, s)
}

// AddToolCall appends a tool invocation in the call state.
func (b *MessageBuilder) AddToolCall(id, name string, args json.RawMessage) {
	b.msg.Parts = append(b.msg.Parts, ToolInvocationPart{
		ToolCallID: id,
		ToolName:   name,
		Args:       args,
		State:      ToolStateCall,
	})
}

// SetToolResult attaches a result to a previously added tool call. A result
// for an unknown call is appended as its own invocation part.
func (b *MessageBuilder) SetToolResult(id string, result json.RawMessage, isError bool) {
	for i := len(b.msg.Parts) - 1; i >= 0; i-- {
		t, ok := b.msg.Parts[i].(ToolInvocationPart)
		if !ok || t.ToolCallID != id {
			continue
		}
		t.Result = result
		t.IsError = isError
		t.State = ToolStateResult
		b.msg.Parts[i] = t
		return
	}
	b.msg.Parts = append(b.msg.Parts, ToolInvocationPart{
		ToolCallID: id,
		Result:     result,
		IsError:    isError,
		State:      ToolStateResult,
	})
}

// Len returns the number of parts accumulated so far.
func (b *MessageBuilder) Len() int {
	return len(b.msg.Parts)
}

// Message returns the accumulated message with the given finish reason.
func (b *MessageBuilder) Message(finishReason string) Message {
	msg := b.msg
	msg.Parts = append(Parts(nil), b.msg.Parts...)
	msg.Metadata.FinishReason = finishReason
	return msg
}
