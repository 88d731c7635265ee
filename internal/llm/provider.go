// Package llm adapts model providers to a common streaming interface and
// holds the registry of models the server can serve.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"iter"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
)

// ChatMessage is one turn of the conversation sent to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a streaming generation request.
type Request struct {
	// Model is the provider-side model name.
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature *float64
	// APIKey overrides the provider's configured key for this request.
	APIKey string
}

// ChunkType discriminates the content of a Chunk.
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkSource     ChunkType = "source"
	ChunkToolCall   ChunkType = "tool-call"
	ChunkToolResult ChunkType = "tool-result"
	ChunkFinish     ChunkType = "finish"
)

// Source is a citation reported by a model.
type Source struct {
	ID    string
	URL   string
	Title string
}

// ToolCall is a tool invocation requested by a model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolCallID string
	Result     json.RawMessage
	IsError    bool
}

// Usage reports token counts of a generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one unit of provider output. Exactly one of the payload fields
// matching Type is set.
type Chunk struct {
	Type       ChunkType
	Text       string
	Source     *Source
	ToolCall   *ToolCall
	ToolResult *ToolResult
	// FinishReason and Usage are set on ChunkFinish.
	FinishReason string
	Usage        Usage
}

// Provider streams completions from one backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) iter.Seq2[Chunk, error]
}

// providerError classifies a backend failure. Context errors pass through so
// callers can tell cancellation from failure.
func providerError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.KindProvider, "model provider request failed", err)
}

func textChunk(s string) Chunk {
	return Chunk{Type: ChunkText, Text: s}
}

func finishChunk(reason string, usage Usage) Chunk {
	return Chunk{Type: ChunkFinish, FinishReason: reason, Usage: usage}
}
