package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/resumable-chat/internal/service"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations/:id/messages. The response tells
// the client whether a generation it can resume is still running.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Messages(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
