package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/store"
)

func openBolt(t *testing.T) *store.Bolt {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "data", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedConversation(t *testing.T, db store.Store, id string) {
	t.Helper()
	require.NoError(t, db.CreateConversation(context.Background(), model.Conversation{ID: id, OwnerID: "alice"}))
}

func textMessage(id string, role model.Role, text string, at time.Time) model.Message {
	return model.Message{
		ID:       id,
		Role:     role,
		Parts:    model.Parts{model.TextPart{Text: text}},
		Metadata: model.Metadata{CreatedAt: at},
	}
}

func TestConversationLifecycle(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := model.Conversation{ID: "c1", OwnerID: "alice", Title: "first", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.CreateConversation(ctx, conv))

	err := db.CreateConversation(ctx, conv)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	got, err := db.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "first", got.Title)

	got.Title = "renamed"
	require.NoError(t, db.UpdateConversation(ctx, got))
	got, err = db.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)

	require.NoError(t, db.DeleteConversation(ctx, "c1"))
	_, err = db.Conversation(ctx, "c1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(db.DeleteConversation(ctx, "c1")))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(db.UpdateConversation(ctx, got)))
}

func TestEnsureConversation(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()

	conv, created, err := db.EnsureConversation(ctx, model.Conversation{ID: "c1", OwnerID: "alice"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", conv.OwnerID)

	conv, created, err = db.EnsureConversation(ctx, model.Conversation{ID: "c1", OwnerID: "mallory"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", conv.OwnerID, "an existing conversation keeps its owner")
}

func TestConversationsOrderingAndPaging(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.CreateConversation(ctx, model.Conversation{
			ID: fmt.Sprintf("c%d", i), OwnerID: "alice", CreatedAt: at, UpdatedAt: at,
			Pinned: i == 1,
		}))
	}
	require.NoError(t, db.CreateConversation(ctx, model.Conversation{ID: "other", OwnerID: "bob"}))

	convs, total, err := db.Conversations(ctx, "alice", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, convs, 3)
	assert.Equal(t, []string{"c1", "c4", "c3"}, ids(convs))

	convs, _, err = db.Conversations(ctx, "alice", 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c0"}, ids(convs))

	convs, total, err = db.Conversations(ctx, "alice", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, convs)
}

func ids(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestAppendMessageKeepsOrder(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()
	seedConversation(t, db, "c1")
	now := time.Now().UTC()

	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hello", now)))
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage("a1", model.RoleAssistant, "Hi there", now)))
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage("u2", model.RoleUser, "again", now)))

	msgs, err := db.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.Equal(t, "a1", msgs[1].ID)
	assert.Equal(t, "u2", msgs[2].ID)
	assert.Equal(t, "c1", msgs[1].ConversationID)
	assert.Equal(t, "Hi there", msgs[1].Text())

	last, ok, err := db.LastMessage(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u2", last.ID)
}

func TestAppendMessageIsIdempotentByID(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()
	seedConversation(t, db, "c1")
	now := time.Now().UTC()

	id := model.AssistantMessageID("s1")
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hello", now)))
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage(id, model.RoleAssistant, "Hi", now)))
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage(id, model.RoleAssistant, "Hi there", now)))

	msgs, err := db.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id, msgs[1].ID)
	assert.Equal(t, "Hi there", msgs[1].Text())
}

func TestConcurrentAppendsDoNotDuplicate(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()
	seedConversation(t, db, "c1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.AppendMessage(ctx, "c1",
				textMessage("msg-s1", model.RoleAssistant, "done", time.Now())))
		}()
	}
	wg.Wait()

	msgs, err := db.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendMessageRequiresID(t *testing.T) {
	db := openBolt(t)
	err := db.AppendMessage(context.Background(), "c1", model.Message{Role: model.RoleUser})
	assert.Equal(t, apperr.KindMissingField, apperr.KindOf(err))
}

func TestAppendMessageAfterDeleteIsRejected(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()

	err := db.AppendMessage(ctx, "ghost", textMessage("u1", model.RoleUser, "hi", time.Now()))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	seedConversation(t, db, "c1")
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hi", time.Now())))
	require.NoError(t, db.DeleteConversation(ctx, "c1"))

	err = db.AppendMessage(ctx, "c1", textMessage("msg-s1", model.RoleAssistant, "late", time.Now()))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// A new owner of the id starts from an empty history.
	seedConversation(t, db, "c1")
	msgs, err := db.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEmptyConversation(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()

	msgs, err := db.Messages(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, ok, err := db.LastMessage(ctx, "nothing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendMessageTouchesConversation(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, db.CreateConversation(ctx, model.Conversation{
		ID: "c1", OwnerID: "alice", CreatedAt: created, UpdatedAt: created,
	}))
	later := created.Add(30 * time.Minute)
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hi", later)))

	conv, err := db.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, conv.UpdatedAt.Equal(later))
}

func TestDeleteConversationRemovesMessagesAndIndex(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()

	seedConversation(t, db, "c1")
	require.NoError(t, db.AppendMessage(ctx, "c1", textMessage("u1", model.RoleUser, "hi", time.Now())))
	require.NoError(t, db.SetCurrent(ctx, "c1", "s1"))

	require.NoError(t, db.DeleteConversation(ctx, "c1"))

	msgs, err := db.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, ok, err := db.Current(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamIndex(t *testing.T) {
	db := openBolt(t)
	ctx := context.Background()

	_, ok, err := db.Current(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetCurrent(ctx, "c1", "s1"))
	require.NoError(t, db.SetCurrent(ctx, "c1", "s2"))

	id, ok, err := db.Current(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s2", id)

	require.NoError(t, db.ClearCurrent(ctx, "c1"))
	_, ok, err = db.Current(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	db, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.SetCurrent(ctx, "c1", "s1"))
	require.NoError(t, db.Close())

	db, err = store.Open(path)
	require.NoError(t, err)
	defer db.Close()

	id, ok, err := db.Current(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	assert.NoError(t, db.Check(ctx))
}
