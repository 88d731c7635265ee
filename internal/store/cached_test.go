package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/store"
)

// racingStore appends through the cache while a read is in flight.
type racingStore struct {
	store.Store
	cached *store.Cached
	once   sync.Once
	err    error
}

func (r *racingStore) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs, err := r.Store.Messages(ctx, conversationID)
	r.once.Do(func() {
		r.err = r.cached.AppendMessage(ctx, conversationID, textMessage("a1", model.RoleAssistant, "late", time.Now()))
	})
	return msgs, err
}

// countingStore counts reads that reach the underlying store.
type countingStore struct {
	store.Store
	reads int
}

func (c *countingStore) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	c.reads++
	return c.Store.Messages(ctx, conversationID)
}

func TestCachedServesRepeatReads(t *testing.T) {
	backing := &countingStore{Store: openBolt(t)}
	cached, err := store.NewCached(backing, 8)
	require.NoError(t, err)
	ctx := context.Background()
	seedConversation(t, cached, "c1")

	require.NoError(t, cached.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hi", time.Now())))

	for i := 0; i < 3; i++ {
		msgs, err := cached.Messages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	}
	assert.Equal(t, 1, backing.reads)

	last, ok, err := cached.LastMessage(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u1", last.ID)
}

func TestCachedInvalidatesOnWrite(t *testing.T) {
	backing := &countingStore{Store: openBolt(t)}
	cached, err := store.NewCached(backing, 8)
	require.NoError(t, err)
	ctx := context.Background()
	seedConversation(t, cached, "c1")

	require.NoError(t, cached.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hi", time.Now())))
	_, err = cached.Messages(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, cached.AppendMessage(ctx, "c1", textMessage("a1", model.RoleAssistant, "hello", time.Now())))
	msgs, err := cached.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 2, backing.reads)

	require.NoError(t, cached.DeleteConversation(ctx, "c1"))
	msgs, err = cached.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCachedReturnsCopies(t *testing.T) {
	cached, err := store.NewCached(openBolt(t), 8)
	require.NoError(t, err)
	ctx := context.Background()
	seedConversation(t, cached, "c1")

	require.NoError(t, cached.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hi", time.Now())))
	msgs, err := cached.Messages(ctx, "c1")
	require.NoError(t, err)
	msgs[0].ID = "mutated"

	msgs, err = cached.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", msgs[0].ID)
}

func TestCachedSkipsFillAfterConcurrentWrite(t *testing.T) {
	backing := &racingStore{Store: openBolt(t)}
	cached, err := store.NewCached(backing, 8)
	require.NoError(t, err)
	backing.cached = cached
	ctx := context.Background()
	seedConversation(t, cached, "c1")
	require.NoError(t, cached.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hi", time.Now())))

	msgs, err := cached.Messages(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, backing.err)
	assert.Len(t, msgs, 1, "the read saw the history before the write")

	msgs, err = cached.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "the stale read was not cached")
}

func TestCachedConvergesUnderConcurrentWrites(t *testing.T) {
	db := openBolt(t)
	cached, err := store.NewCached(db, 8)
	require.NoError(t, err)
	ctx := context.Background()
	seedConversation(t, cached, "c1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, cached.AppendMessage(ctx, "c1",
				textMessage(fmt.Sprintf("u%d", i), model.RoleUser, "hi", time.Now())))
		}()
		go func() {
			defer wg.Done()
			_, err := cached.Messages(ctx, "c1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	want, err := db.Messages(ctx, "c1")
	require.NoError(t, err)
	got, err := cached.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
