package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/engine"
	"github.com/capitalize-ai/resumable-chat/internal/llm"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/store"
	"github.com/capitalize-ai/resumable-chat/internal/stream"
	"github.com/capitalize-ai/resumable-chat/internal/usage"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
	"github.com/capitalize-ai/resumable-chat/pkg/metrics"
)

const (
	tmpIDPrefix    = "tmp-"
	maxTitleLength = 60
)

// Admission decides whether a generation may start.
type Admission interface {
	CheckAndReserve(identity string, tier usage.Tier, model string) usage.Decision
}

// Session is the event stream handed back to a chat client.
type Session struct {
	ConversationID string
	StreamID       string
	UserMessageID  string
	// Warning is set when the request succeeded in degraded form.
	Warning string
	Events  iter.Seq[model.Event]
}

// ChatService runs the resumable chat protocol.
type ChatService struct {
	store    store.Store
	registry *stream.Registry
	models   *llm.Registry
	guard    Admission
	engine   *engine.Engine
	logger   *logger.Logger
}

// NewChatService creates a chat service.
func NewChatService(s store.Store, registry *stream.Registry, models *llm.Registry, guard Admission, eng *engine.Engine, log *logger.Logger) *ChatService {
	return &ChatService{
		store:    s,
		registry: registry,
		models:   models,
		guard:    guard,
		engine:   eng,
		logger:   log.Named("chat"),
	}
}

// Start admits a chat submission, logs the user turn and starts a
// generation. The returned session follows the new stream live. The
// generation keeps running if the caller stops reading.
func (s *ChatService) Start(ctx context.Context, caller Caller, req *model.ChatRequest) (*Session, error) {
	userMsg, err := validate(req)
	if err != nil {
		return nil, err
	}
	if err := caller.check(); err != nil {
		return nil, err
	}
	if req.Identity != "" && req.Identity != caller.Identity {
		return nil, apperr.Forbidden("identity does not match the authenticated user")
	}

	log := s.logger.With(
		zap.String("conversation_id", req.ConversationID),
		zap.String("identity", caller.Identity),
	)
	log.Debug("chat request received")

	// Only read before admission. A denied request leaves nothing behind.
	if existing, err := s.store.Conversation(ctx, req.ConversationID); err == nil {
		if existing.OwnerID != caller.Identity {
			return nil, apperr.Forbidden("conversation belongs to another user")
		}
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	// Resolving before admission keeps unknown models from using up quota.
	if _, _, err := s.models.Resolve(req.Model); err != nil {
		return nil, err
	}
	if d := s.guard.CheckAndReserve(caller.Identity, caller.Tier, req.Model); !d.Allowed {
		log.Info("chat request denied", zap.String("reason", d.Reason))
		return nil, apperr.QuotaExceeded(d.Reason)
	}
	log.Debug("chat request admitted", zap.String("model", req.Model))

	now := time.Now().UTC()
	conv, created, err := s.store.EnsureConversation(ctx, model.Conversation{
		ID:           req.ConversationID,
		OwnerID:      caller.Identity,
		Title:        titleFrom(userMsg.Text()),
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	// Another caller may have created the id since the read above.
	if conv.OwnerID != caller.Identity {
		return nil, apperr.Forbidden("conversation belongs to another user")
	}
	if created {
		metrics.ConversationsTotal.Inc()
	}

	session := &Session{ConversationID: conv.ID}

	userMsg.ConversationID = conv.ID
	if userMsg.ID == "" || strings.HasPrefix(userMsg.ID, tmpIDPrefix) {
		userMsg.ID = uuid.Must(uuid.NewV7()).String()
	}
	userMsg.Metadata = model.Metadata{CreatedAt: now, Model: req.Model}
	if err := s.store.AppendMessage(ctx, conv.ID, userMsg); err != nil {
		log.Warn("failed to save user message", zap.Error(err))
		session.Warning = "user message was not saved"
	} else {
		session.UserMessageID = userMsg.ID
		metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
		log.Debug("user message logged", zap.String("message_id", userMsg.ID))
	}

	streamID, err := s.registry.CreateStream(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	session.StreamID = streamID
	log = log.With(zap.String("stream_id", streamID))
	log.Debug("stream created")

	history := make([]model.Message, len(req.Messages))
	copy(history, req.Messages)
	history[len(history)-1] = userMsg

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = conv.SystemPrompt
	}
	job := engine.Job{
		ConversationID: conv.ID,
		StreamID:       streamID,
		Identity:       caller.Identity,
		Model:          req.Model,
		History:        history,
		SystemPrompt:   systemPrompt,
		APIKey:         req.APIKey,
		Options:        req.Options,
	}
	if err := s.registry.AttachProducer(ctx, streamID, s.engine.Producer(job)); err != nil {
		return nil, fmt.Errorf("failed to start generation: %w", err)
	}
	log.Debug("generating")

	events, err := s.registry.Tail(ctx, streamID)
	if err != nil {
		return nil, err
	}
	session.Events = events
	return session, nil
}

// Resume reattaches to a conversation's output. It follows the current
// stream, or streamID when given, from its first event. Without a reachable
// stream it replays the last persisted assistant message; failing that the
// session has no events.
func (s *ChatService) Resume(ctx context.Context, caller Caller, conversationID, streamID string) (*Session, error) {
	if conversationID == "" {
		return nil, apperr.MissingField("conversationId")
	}
	if err := caller.check(); err != nil {
		return nil, err
	}
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != caller.Identity {
		return nil, apperr.Forbidden("conversation belongs to another user")
	}

	session := &Session{ConversationID: conversationID}

	if streamID == "" {
		id, ok, err := s.registry.ResolveCurrent(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if ok {
			streamID = id
		}
	}

	if streamID != "" {
		info, err := s.registry.Lookup(ctx, streamID)
		switch {
		case err == nil && info.ConversationID != conversationID:
			return nil, apperr.NotFound("stream not found")
		case err == nil:
			events, err := s.registry.Tail(ctx, streamID)
			if err == nil {
				source := "replay"
				if !info.Status.Final() {
					source = "live"
				}
				metrics.StreamResumesTotal.WithLabelValues(source).Inc()
				session.StreamID = streamID
				session.Events = events
				return session, nil
			}
			if apperr.KindOf(err) != apperr.KindNotFound {
				return nil, err
			}
		case apperr.KindOf(err) != apperr.KindNotFound:
			return nil, err
		}
	}

	last, ok, err := s.store.LastMessage(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load last message: %w", err)
	}
	if ok && last.Role == model.RoleAssistant {
		ev, err := model.NewEvent(model.EventMessage, last)
		if err != nil {
			return nil, err
		}
		metrics.StreamResumesTotal.WithLabelValues("message").Inc()
		session.StreamID = last.Metadata.StreamID
		session.Events = func(yield func(model.Event) bool) { yield(ev) }
		return session, nil
	}

	metrics.StreamResumesTotal.WithLabelValues("empty").Inc()
	session.Events = func(func(model.Event) bool) {}
	return session, nil
}

// Stop cancels the active generation of a conversation. The stream finalizes
// as completed and its partial output is saved.
func (s *ChatService) Stop(ctx context.Context, caller Caller, conversationID string) error {
	if conversationID == "" {
		return apperr.MissingField("conversationId")
	}
	if err := caller.check(); err != nil {
		return err
	}
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerID != caller.Identity {
		return apperr.Forbidden("conversation belongs to another user")
	}

	streamID, ok := s.registry.Active(ctx, conversationID)
	if !ok || !s.registry.Cancel(streamID) {
		return apperr.NotFound("no active stream")
	}
	s.logger.Info("generation stop requested",
		zap.String("conversation_id", conversationID),
		zap.String("stream_id", streamID),
	)
	return nil
}

// Models lists the models the caller may use.
func (s *ChatService) Models(caller Caller) []llm.ModelConfig {
	var out []llm.ModelConfig
	for _, m := range s.models.Models() {
		if s.models.Entitled(m.ID, caller.Tier) {
			out = append(out, m)
		}
	}
	return out
}

func validate(req *model.ChatRequest) (model.Message, error) {
	if req == nil {
		return model.Message{}, errors.New("nil chat request")
	}
	if req.ConversationID == "" {
		return model.Message{}, apperr.MissingField("conversationId")
	}
	if req.Model == "" {
		return model.Message{}, apperr.MissingField("model")
	}
	if len(req.Messages) == 0 {
		return model.Message{}, apperr.MissingField("messages")
	}
	msg, ok := req.LastUserMessage()
	if !ok {
		return model.Message{}, apperr.New(apperr.KindMissingField, "last message must be a user message with content")
	}
	return msg, nil
}

// titleFrom derives a conversation title from the first user message.
func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxTitleLength]) + "…"
}
