package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
)

// OpenAIProvider streams from the OpenAI chat completions API or any
// compatible endpoint.
type OpenAIProvider struct {
	client  *openai.Client
	apiKey  string
	baseURL string
}

// NewOpenAIProvider creates the provider. baseURL may be empty for the public
// API.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	return &OpenAIProvider{
		client:  newOpenAIClient(apiKey, baseURL),
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate streams text deltas, then any tool calls with their accumulated
// arguments, then a finish chunk.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		client := p.client
		switch {
		case req.APIKey != "":
			client = newOpenAIClient(req.APIKey, p.baseURL)
		case p.apiKey == "":
			yield(Chunk{}, apperr.New(apperr.KindProvider, "no OpenAI API key configured"))
			return
		}

		messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
		if req.System != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.System,
			})
		}
		for _, msg := range req.Messages {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}

		creq := openai.ChatCompletionRequest{
			Model:         req.Model,
			Messages:      messages,
			MaxTokens:     req.MaxTokens,
			Stream:        true,
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}
		if req.Temperature != nil {
			creq.Temperature = float32(*req.Temperature)
		}

		stream, err := client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			yield(Chunk{}, providerError(err))
			return
		}
		defer stream.Close()

		var (
			calls      toolCallAccumulator
			usage      Usage
			stopReason string
		)
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Chunk{}, providerError(err))
				return
			}

			if response.Usage != nil {
				usage.InputTokens = response.Usage.PromptTokens
				usage.OutputTokens = response.Usage.CompletionTokens
			}
			if len(response.Choices) == 0 {
				continue
			}

			choice := response.Choices[0]
			if choice.Delta.Content != "" {
				if !yield(textChunk(choice.Delta.Content), nil) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				calls.add(tc)
			}
			if choice.FinishReason != "" {
				stopReason = string(choice.FinishReason)
			}
		}

		for _, call := range calls.done() {
			if !yield(Chunk{Type: ChunkToolCall, ToolCall: call}, nil) {
				return
			}
		}
		yield(finishChunk(stopReason, usage), nil)
	}
}

// toolCallAccumulator joins streamed tool call fragments by index.
type toolCallAccumulator struct {
	order []int
	calls map[int]*partialToolCall
}

type partialToolCall struct {
	id   string
	name string
	args []byte
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	idx := len(a.order)
	if tc.Index != nil {
		idx = *tc.Index
	}
	if a.calls == nil {
		a.calls = make(map[int]*partialToolCall)
	}
	call, ok := a.calls[idx]
	if !ok {
		call = &partialToolCall{}
		a.calls[idx] = call
		a.order = append(a.order, idx)
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	call.args = append(call.args, tc.Function.Arguments...)
}

func (a *toolCallAccumulator) done() []*ToolCall {
	out := make([]*ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := a.calls[idx]
		args := json.RawMessage(call.args)
		if !json.Valid(args) {
			args = nil
		}
		out = append(out, &ToolCall{ID: call.id, Name: call.name, Args: args})
	}
	return out
}
