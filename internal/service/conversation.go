// Package service implements the conversation and chat protocol operations
// on top of the message store and the stream registry.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/store"
	"github.com/capitalize-ai/resumable-chat/internal/stream"
	"github.com/capitalize-ai/resumable-chat/internal/usage"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
	"github.com/capitalize-ai/resumable-chat/pkg/metrics"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	Identity string
	Tier     usage.Tier
}

func (c Caller) check() error {
	if c.Identity == "" {
		return apperr.New(apperr.KindUnauthorized, "authentication required")
	}
	return nil
}

// ConversationService handles conversation operations.
type ConversationService struct {
	store      store.Store
	registry   *stream.Registry
	logger     *logger.Logger
	deleteWait time.Duration
}

// NewConversationService creates a new conversation service. deleteWait
// bounds how long Delete waits for an active stream to wind down.
func NewConversationService(s store.Store, registry *stream.Registry, deleteWait time.Duration, log *logger.Logger) *ConversationService {
	if deleteWait <= 0 {
		deleteWait = 10 * time.Second
	}
	return &ConversationService{
		store:      s,
		registry:   registry,
		logger:     log.Named("conversations"),
		deleteWait: deleteWait,
	}
}

// Create creates a new conversation owned by the caller. A client supplied
// id is kept; otherwise one is generated.
func (s *ConversationService) Create(ctx context.Context, caller Caller, req *model.CreateConversationRequest) (*model.Conversation, error) {
	if err := caller.check(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conv := model.Conversation{
		ID:           req.ID,
		OwnerID:      caller.Identity,
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if conv.ID == "" {
		conv.ID = uuid.Must(uuid.NewV7()).String()
	}

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	metrics.ConversationsTotal.Inc()

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("identity", caller.Identity),
	)
	return &conv, nil
}

// Get retrieves a conversation owned by the caller.
func (s *ConversationService) Get(ctx context.Context, caller Caller, conversationID string) (*model.Conversation, error) {
	conv, err := s.owned(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// List retrieves the caller's conversations.
func (s *ConversationService) List(ctx context.Context, caller Caller, limit, offset int) (*model.ListConversationsResponse, error) {
	if err := caller.check(); err != nil {
		return nil, err
	}
	convs, total, err := s.store.Conversations(ctx, caller.Identity, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

// Update renames, pins or reconfigures a conversation.
func (s *ConversationService) Update(ctx context.Context, caller Caller, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	conv, err := s.owned(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.Model != nil {
		conv.Model = *req.Model
	}
	if req.SystemPrompt != nil {
		conv.SystemPrompt = *req.SystemPrompt
	}
	if req.Pinned != nil {
		conv.Pinned = *req.Pinned
	}
	conv.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Delete removes a conversation and its messages. An active stream is
// cancelled first and given a bounded time to finalize so that its final
// message is not written into a deleted conversation.
func (s *ConversationService) Delete(ctx context.Context, caller Caller, conversationID string) error {
	if _, err := s.owned(ctx, caller, conversationID); err != nil {
		return err
	}

	if streamID, ok := s.registry.Active(ctx, conversationID); ok {
		s.registry.Cancel(streamID)

		waitCtx, cancel := context.WithTimeout(ctx, s.deleteWait)
		err := s.registry.Wait(waitCtx, streamID)
		cancel()
		if err != nil {
			s.logger.Warn("stream did not finalize before delete",
				zap.String("conversation_id", conversationID),
				zap.String("stream_id", streamID),
				zap.Error(err),
			)
		}
	}

	if err := s.registry.Forget(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to clear stream index: %w", err)
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	s.logger.Info("conversation deleted",
		zap.String("conversation_id", conversationID),
		zap.String("identity", caller.Identity),
	)
	return nil
}

// Messages returns the persisted messages of a conversation and whether a
// generation is still running for it.
func (s *ConversationService) Messages(ctx context.Context, caller Caller, conversationID string) (*model.ListMessagesResponse, error) {
	if _, err := s.owned(ctx, caller, conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	resp := &model.ListMessagesResponse{Messages: msgs}
	if streamID, ok := s.registry.Active(ctx, conversationID); ok {
		resp.StreamActive = true
		resp.CurrentStream = streamID
	}
	return resp, nil
}

// owned loads a conversation and checks that the caller owns it.
func (s *ConversationService) owned(ctx context.Context, caller Caller, conversationID string) (model.Conversation, error) {
	if conversationID == "" {
		return model.Conversation{}, apperr.MissingField("conversationId")
	}
	if err := caller.check(); err != nil {
		return model.Conversation{}, err
	}
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return model.Conversation{}, err
		}
		return model.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.OwnerID != caller.Identity {
		return model.Conversation{}, apperr.Forbidden("conversation belongs to another user")
	}
	return conv, nil
}
