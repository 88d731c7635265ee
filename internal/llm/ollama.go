package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

var errStopReading = errors.New("consumer stopped reading")

// OllamaProvider streams from an Ollama server.
type OllamaProvider struct {
	client *api.Client
}

// NewOllamaProvider creates a provider for the server at host.
func NewOllamaProvider(host string) (*OllamaProvider, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return &OllamaProvider{client: api.NewClient(u, &http.Client{})}, nil
}

// Name returns the provider name.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Generate streams text deltas followed by a finish chunk.
func (p *OllamaProvider) Generate(ctx context.Context, req *Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		msgs := make([]api.Message, 0, len(req.Messages)+1)
		if req.System != "" {
			msgs = append(msgs, api.Message{Role: "system", Content: req.System})
		}
		for _, msg := range req.Messages {
			msgs = append(msgs, api.Message{Role: msg.Role, Content: msg.Content})
		}

		options := map[string]any{}
		if req.MaxTokens > 0 {
			options["num_predict"] = req.MaxTokens
		}
		if req.Temperature != nil {
			options["temperature"] = *req.Temperature
		}

		stream := true
		chatReq := api.ChatRequest{
			Model:    req.Model,
			Messages: msgs,
			Stream:   &stream,
			Options:  options,
		}

		finish := finishChunk("stop", Usage{})
		err := p.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if res.Message.Content != "" {
				if !yield(textChunk(res.Message.Content), nil) {
					return errStopReading
				}
			}
			if res.Done {
				finish = finishChunk(res.DoneReason, Usage{
					InputTokens:  res.PromptEvalCount,
					OutputTokens: res.EvalCount,
				})
			}
			return nil
		})
		switch {
		case errors.Is(err, errStopReading):
			return
		case err != nil:
			yield(Chunk{}, providerError(err))
			return
		}
		yield(finish, nil)
	}
}
