package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/resumable-chat/internal/model"
)

// Index maps a conversation to its current stream. Implementations must be
// durable across restarts for resume-after-reload to work.
type Index interface {
	SetCurrent(ctx context.Context, conversationID, streamID string) error
	Current(ctx context.Context, conversationID string) (string, bool, error)
	ClearCurrent(ctx context.Context, conversationID string) error
}

// ErrNotJournaled is returned by a Journal that holds no events for a stream.
var ErrNotJournaled = errors.New("stream not journaled")

// Replay is the journaled content of one stream.
type Replay struct {
	ConversationID string
	Events         []model.Event
}

// Journal durably mirrors stream events so that a record evicted from
// memory, or lost with a restarted process, can still be replayed.
type Journal interface {
	Append(ctx context.Context, conversationID, streamID string, ev model.Event) error
	Replay(ctx context.Context, streamID string) (*Replay, error)
	Lifecycle(ctx context.Context, ev model.LifecycleEvent) error
}

// MemoryIndex is an Index kept in process memory.
type MemoryIndex struct {
	mu      sync.RWMutex
	current map[string]string
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{current: make(map[string]string)}
}

func (m *MemoryIndex) SetCurrent(_ context.Context, conversationID, streamID string) error {
	m.mu.Lock()
	m.current[conversationID] = streamID
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Current(_ context.Context, conversationID string) (string, bool, error) {
	m.mu.RLock()
	id, ok := m.current[conversationID]
	m.mu.RUnlock()
	return id, ok, nil
}

func (m *MemoryIndex) ClearCurrent(_ context.Context, conversationID string) error {
	m.mu.Lock()
	delete(m.current, conversationID)
	m.mu.Unlock()
	return nil
}

// keyedMutex serializes work per key and drops idle locks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
