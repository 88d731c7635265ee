package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/stream"
)

const (
	// StreamName is the JetStream stream holding chat stream journals.
	StreamName = "CHAT_STREAMS"

	// SubjectPrefix is the prefix for all journal subjects.
	SubjectPrefix = "chat"

	fetchBatch    = 256
	fetchMaxWait  = 2 * time.Second
	replayTimeout = 10 * time.Second
)

// JournalConfig configures the JetStream stream backing the journal.
type JournalConfig struct {
	// MaxAge bounds how long journaled events are kept.
	MaxAge   time.Duration
	Replicas int
}

// Journal mirrors stream events into JetStream. It implements stream.Journal.
type Journal struct {
	client *Client
	cfg    JournalConfig
}

var _ stream.Journal = (*Journal)(nil)

// envelope is the journaled form of one event.
type envelope struct {
	ConversationID string      `json:"conversation_id"`
	StreamID       string      `json:"stream_id"`
	Event          model.Event `json:"event"`
}

// NewJournal creates a journal on top of client.
func NewJournal(client *Client, cfg JournalConfig) *Journal {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	return &Journal{client: client, cfg: cfg}
}

// EnsureStream ensures the journal stream exists with proper configuration.
func (j *Journal) EnsureStream(ctx context.Context) error {
	js := j.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      j.cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    j.cfg.Replicas,
		Compression: jetstream.S2Compression,
		Description: "Chat generation events and stream lifecycle",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject holding the events of one stream.
func EventSubject(streamID string) string {
	return fmt.Sprintf("%s.stream.%s.event", SubjectPrefix, token(streamID))
}

// LifecycleSubject returns the subject for a stream lifecycle event.
func LifecycleSubject(conversationID string, t model.LifecycleType) string {
	return fmt.Sprintf("%s.conv.%s.lifecycle.%s", SubjectPrefix, token(conversationID), t)
}

// ConversationFilter matches every lifecycle event of a conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.conv.%s.>", SubjectPrefix, token(conversationID))
}

// EventMsgID is the deduplication id of one stream event.
func EventMsgID(streamID string, seq int) string {
	return fmt.Sprintf("%s.%d", streamID, seq)
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>':
			return '_'
		case r <= ' ' || r == 0x7f:
			return '_'
		}
		return r
	}, s)
}

// Append publishes ev to the stream's subject and waits for the ack.
func (j *Journal) Append(ctx context.Context, conversationID, streamID string, ev model.Event) error {
	data, err := json.Marshal(envelope{
		ConversationID: conversationID,
		StreamID:       streamID,
		Event:          ev,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = j.client.JetStream().Publish(ctx, EventSubject(streamID), data,
		jetstream.WithMsgID(EventMsgID(streamID, ev.Seq)))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Lifecycle publishes a stream lifecycle event.
func (j *Journal) Lifecycle(ctx context.Context, ev model.LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	_, err = j.client.JetStream().Publish(ctx, LifecycleSubject(ev.ConversationID, ev.Type), data,
		jetstream.WithMsgID(ev.ID))
	if err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return nil
}

// Replay reads back every journaled event of a stream in order, keeping the
// sequence numbers they were published with. It returns
// stream.ErrNotJournaled when nothing was journaled for streamID.
func (j *Journal) Replay(ctx context.Context, streamID string) (*stream.Replay, error) {
	ctx, cancel := context.WithTimeout(ctx, replayTimeout)
	defer cancel()

	consumer, err := j.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{EventSubject(streamID)},
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumer info: %w", err)
	}
	pending := int(info.NumPending)
	if pending == 0 {
		return nil, stream.ErrNotJournaled
	}

	replay := &stream.Replay{Events: make([]model.Event, 0, pending)}
	for len(replay.Events) < pending {
		batch, err := consumer.Fetch(min(fetchBatch, pending-len(replay.Events)),
			jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch events: %w", err)
		}

		n := 0
		for msg := range batch.Messages() {
			n++
			var env envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				return nil, fmt.Errorf("failed to decode journaled event: %w", err)
			}
			replay.ConversationID = env.ConversationID
			replay.Events = append(replay.Events, env.Event)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("journal for stream %s is short: got %d of %d events",
				streamID, len(replay.Events), pending)
		}
	}
	return replay, nil
}
