package llm

import (
	"context"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
)

const defaultMaxTokens = 4096

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	apiKey string
}

// NewAnthropicProvider creates the provider. An empty apiKey is allowed when
// every request carries its own key.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		apiKey: apiKey,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Generate streams text deltas followed by a finish chunk.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		var opts []option.RequestOption
		switch {
		case req.APIKey != "":
			opts = append(opts, option.WithAPIKey(req.APIKey))
		case p.apiKey == "":
			yield(Chunk{}, apperr.New(apperr.KindProvider, "no Anthropic API key configured"))
			return
		}

		maxTokens := req.MaxTokens
		if maxTokens == 0 {
			maxTokens = defaultMaxTokens
		}

		messages := make([]anthropic.MessageParam, len(req.Messages))
		for i, msg := range req.Messages {
			messages[i] = anthropic.MessageParam{
				Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{
					anthropic.TextBlockParam{
						Type: anthropic.F(anthropic.TextBlockParamTypeText),
						Text: anthropic.F(msg.Content),
					},
				}),
			}
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.F(req.Model),
			MaxTokens: anthropic.F(int64(maxTokens)),
			Messages:  anthropic.F(messages),
		}
		if req.System != "" {
			params.System = anthropic.F([]anthropic.TextBlockParam{{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(req.System),
			}})
		}
		if req.Temperature != nil {
			params.Temperature = anthropic.F(*req.Temperature)
		}

		stream := p.client.Messages.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		var (
			usage      Usage
			stopReason string
		)
		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case anthropic.MessageStreamEventTypeContentBlockDelta:
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !yield(textChunk(event.Delta.Text), nil) {
						return
					}
				}
			case anthropic.MessageStreamEventTypeMessageDelta:
				stopReason = string(event.Delta.StopReason)
				usage.OutputTokens = int(event.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			yield(Chunk{}, providerError(err))
			return
		}

		yield(finishChunk(stopReason, usage), nil)
	}
}
