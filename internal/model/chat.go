package model

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Messages       []Message   `json:"messages"`
	ConversationID string      `json:"conversationId"`
	Identity       string      `json:"identity,omitempty"`
	Model          string      `json:"model"`
	SystemPrompt   string      `json:"systemPrompt,omitempty"`
	APIKey         string      `json:"apiKey,omitempty"`
	Options        ChatOptions `json:"options"`
}

// ChatOptions tunes a single generation.
type ChatOptions struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// LastUserMessage returns the final message of the request when it is a user
// message.
func (r *ChatRequest) LastUserMessage() (Message, bool) {
	if len(r.Messages) == 0 {
		return Message{}, false
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser || len(last.Parts) == 0 {
		return Message{}, false
	}
	return last, true
}
