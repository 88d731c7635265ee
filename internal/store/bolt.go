// Package store persists conversations, their messages and the conversation
// to stream index.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/stream"
)

var (
	conversationsBucket = []byte("conversations")
	messagesBucket      = []byte("messages")
	streamIndexBucket   = []byte("stream_index")

	// Nested under each conversation's bucket inside messagesBucket.
	logBucket = []byte("log")
	idsBucket = []byte("ids")
)

// Store is the message store used by the chat services.
type Store interface {
	CreateConversation(ctx context.Context, conv model.Conversation) error
	EnsureConversation(ctx context.Context, conv model.Conversation) (model.Conversation, bool, error)
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	UpdateConversation(ctx context.Context, conv model.Conversation) error
	Conversations(ctx context.Context, ownerID string, limit, offset int) ([]model.Conversation, int, error)
	DeleteConversation(ctx context.Context, id string) error

	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	AppendMessage(ctx context.Context, conversationID string, msg model.Message) error
	LastMessage(ctx context.Context, conversationID string) (model.Message, bool, error)
}

// Bolt implements Store and stream.Index on a bbolt database. Messages of a
// conversation live in their own bucket keyed by an increasing sequence, so
// iteration order is creation order.
type Bolt struct {
	db *bolt.DB
}

var (
	_ Store        = (*Bolt)(nil)
	_ stream.Index = (*Bolt)(nil)
)

// Open opens or creates the database at path and initializes its buckets.
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, messagesBucket, streamIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Check verifies the database is readable, for health probes.
func (b *Bolt) Check(context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(conversationsBucket) == nil {
			return errors.New("conversations bucket missing")
		}
		return nil
	})
}

// CreateConversation stores a new conversation. It fails with a conflict if
// the id is taken.
func (b *Bolt) CreateConversation(_ context.Context, conv model.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket.Get([]byte(conv.ID)) != nil {
			return apperr.Conflict("conversation already exists")
		}
		return putJSON(bucket, []byte(conv.ID), conv)
	})
}

// EnsureConversation returns the stored conversation with conv's id, creating
// it from conv when absent. The boolean reports whether it was created.
func (b *Bolt) EnsureConversation(_ context.Context, conv model.Conversation) (model.Conversation, bool, error) {
	var (
		out     model.Conversation
		created bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if v := bucket.Get([]byte(conv.ID)); v != nil {
			return json.Unmarshal(v, &out)
		}
		out, created = conv, true
		return putJSON(bucket, []byte(conv.ID), conv)
	})
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return out, created, nil
}

// Conversation returns a conversation by id.
func (b *Bolt) Conversation(_ context.Context, id string) (model.Conversation, error) {
	var conv model.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return apperr.NotFound("conversation not found")
		}
		return json.Unmarshal(v, &conv)
	})
	return conv, err
}

// UpdateConversation overwrites an existing conversation.
func (b *Bolt) UpdateConversation(_ context.Context, conv model.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket.Get([]byte(conv.ID)) == nil {
			return apperr.NotFound("conversation not found")
		}
		return putJSON(bucket, []byte(conv.ID), conv)
	})
}

// Conversations lists the conversations of ownerID, pinned first and then by
// most recent update, and returns the total count before paging.
func (b *Bolt) Conversations(_ context.Context, ownerID string, limit, offset int) ([]model.Conversation, int, error) {
	var all []model.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv model.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.OwnerID == ownerID {
				all = append(all, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	slices.SortFunc(all, func(a, b model.Conversation) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	total := len(all)
	if offset >= total {
		return []model.Conversation{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// DeleteConversation removes a conversation, its messages and its stream
// index entry.
func (b *Bolt) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		convs := tx.Bucket(conversationsBucket)
		if convs.Get([]byte(id)) == nil {
			return apperr.NotFound("conversation not found")
		}
		if err := convs.Delete([]byte(id)); err != nil {
			return err
		}

		msgs := tx.Bucket(messagesBucket)
		if msgs.Bucket([]byte(id)) != nil {
			if err := msgs.DeleteBucket([]byte(id)); err != nil {
				return fmt.Errorf("failed to delete message bucket: %w", err)
			}
		}
		return tx.Bucket(streamIndexBucket).Delete([]byte(id))
	})
}

// Messages returns the messages of a conversation in creation order.
func (b *Bolt) Messages(_ context.Context, conversationID string) ([]model.Message, error) {
	messages := []model.Message{}
	err := b.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		return conv.Bucket(logBucket).ForEach(func(_, v []byte) error {
			var msg model.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AppendMessage adds msg at the end of the conversation. Appending a message
// whose id is already stored replaces it in place, so retried appends never
// duplicate. The conversation must exist.
func (b *Bolt) AppendMessage(_ context.Context, conversationID string, msg model.Message) error {
	if msg.ID == "" {
		return apperr.MissingField("message id")
	}
	msg.ConversationID = conversationID

	return b.db.Update(func(tx *bolt.Tx) error {
		// A late write must not resurrect a deleted conversation's history.
		if tx.Bucket(conversationsBucket).Get([]byte(conversationID)) == nil {
			return apperr.NotFound("conversation not found")
		}
		conv, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		entries, err := conv.CreateBucketIfNotExists(logBucket)
		if err != nil {
			return err
		}
		ids, err := conv.CreateBucketIfNotExists(idsBucket)
		if err != nil {
			return err
		}

		key := ids.Get([]byte(msg.ID))
		if key == nil {
			seq, err := entries.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			key = seqKey(seq)
			if err := ids.Put([]byte(msg.ID), key); err != nil {
				return err
			}
		}
		if err := putJSON(entries, key, msg); err != nil {
			return err
		}
		return touchConversation(tx, conversationID, msg.Metadata.CreatedAt)
	})
}

// LastMessage returns the most recent message of a conversation.
func (b *Bolt) LastMessage(_ context.Context, conversationID string) (model.Message, bool, error) {
	var (
		msg   model.Message
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(messagesBucket).Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		_, v := conv.Bucket(logBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &msg)
	})
	if err != nil {
		return model.Message{}, false, fmt.Errorf("failed to read last message: %w", err)
	}
	return msg, found, nil
}

// SetCurrent records streamID as the current stream of a conversation.
func (b *Bolt) SetCurrent(_ context.Context, conversationID, streamID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamIndexBucket).Put([]byte(conversationID), []byte(streamID))
	})
}

// Current returns the current stream of a conversation.
func (b *Bolt) Current(_ context.Context, conversationID string) (string, bool, error) {
	var id string
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(streamIndexBucket).Get([]byte(conversationID)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, id != "", err
}

// ClearCurrent removes the stream index entry of a conversation.
func (b *Bolt) ClearCurrent(_ context.Context, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(streamIndexBucket).Delete([]byte(conversationID))
	})
}

// touchConversation advances UpdatedAt of a stored conversation.
func touchConversation(tx *bolt.Tx, id string, at time.Time) error {
	bucket := tx.Bucket(conversationsBucket)
	v := bucket.Get([]byte(id))
	if v == nil {
		return nil
	}
	var conv model.Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if !at.After(conv.UpdatedAt) {
		return nil
	}
	conv.UpdatedAt = at
	return putJSON(bucket, []byte(id), conv)
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return bucket.Put(key, data)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
