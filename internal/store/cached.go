package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/capitalize-ai/resumable-chat/internal/model"
)

// Cached keeps recently read message histories in memory in front of a
// Store. Every write to a conversation drops its cached history.
type Cached struct {
	Store
	messages *lru.Cache[string, []model.Message]
	// writes counts invalidations; a read only fills the cache if no write
	// happened while it was in flight. mu makes that check and the fill one
	// step with respect to invalidate.
	writes atomic.Uint64
	mu     sync.Mutex
}

// NewCached wraps s with an LRU of at most size conversations.
func NewCached(s Store, size int) (*Cached, error) {
	cache, err := lru.New[string, []model.Message](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create message cache: %w", err)
	}
	return &Cached{Store: s, messages: cache}, nil
}

// Messages returns the history of a conversation, from memory when possible.
// The returned slice is a copy.
func (c *Cached) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if msgs, ok := c.messages.Get(conversationID); ok {
		return slices.Clone(msgs), nil
	}
	gen := c.writes.Load()
	msgs, err := c.Store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.writes.Load() == gen {
		c.messages.Add(conversationID, slices.Clone(msgs))
	}
	c.mu.Unlock()
	return msgs, nil
}

// LastMessage serves from the cached history when present.
func (c *Cached) LastMessage(ctx context.Context, conversationID string) (model.Message, bool, error) {
	if msgs, ok := c.messages.Get(conversationID); ok {
		if len(msgs) == 0 {
			return model.Message{}, false, nil
		}
		return msgs[len(msgs)-1], true, nil
	}
	return c.Store.LastMessage(ctx, conversationID)
}

func (c *Cached) AppendMessage(ctx context.Context, conversationID string, msg model.Message) error {
	defer c.invalidate(conversationID)
	return c.Store.AppendMessage(ctx, conversationID, msg)
}

func (c *Cached) DeleteConversation(ctx context.Context, id string) error {
	defer c.invalidate(id)
	return c.Store.DeleteConversation(ctx, id)
}

func (c *Cached) invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes.Add(1)
	c.messages.Remove(conversationID)
}
