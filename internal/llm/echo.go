package llm

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"
)

// EchoProvider replies with the last user message, one word per chunk. It
// needs no backend and is used for local development and tests. Every http or
// https URL in the message is also reported as a source.
type EchoProvider struct {
	// Delay is the pause before each word.
	Delay time.Duration
}

// Name returns the provider name.
func (p *EchoProvider) Name() string {
	return "echo"
}

// Generate streams the echoed words, the sources and a finish chunk.
func (p *EchoProvider) Generate(ctx context.Context, req *Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		var text string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				text = req.Messages[i].Content
				break
			}
		}

		words := splitWords(text)
		for _, w := range words {
			if p.Delay > 0 {
				timer := time.NewTimer(p.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield(Chunk{}, ctx.Err())
					return
				case <-timer.C:
				}
			} else if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(textChunk(w), nil) {
				return
			}
		}

		for i, src := range findURLs(text) {
			chunk := Chunk{Type: ChunkSource, Source: &Source{
				ID:    fmt.Sprintf("src-%d", i+1),
				URL:   src.String(),
				Title: src.Host,
			}}
			if !yield(chunk, nil) {
				return
			}
		}

		yield(finishChunk("stop", Usage{
			InputTokens:  len(words),
			OutputTokens: len(words),
		}), nil)
	}
}

// splitWords splits s into words that keep their leading whitespace, so that
// concatenating them yields s.
func splitWords(s string) []string {
	var (
		words []string
		start int
	)
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] != ' ' {
			words = append(words, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		words = append(words, s[start:])
	}
	return words
}

func findURLs(s string) []*url.URL {
	var out []*url.URL
	for _, field := range strings.Fields(s) {
		field = strings.TrimRight(field, ".,;:!?)")
		u, err := url.Parse(field)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}
