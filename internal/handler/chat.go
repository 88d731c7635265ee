package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/middleware"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/service"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
	"github.com/capitalize-ai/resumable-chat/pkg/metrics"
)

// Response headers of the chat endpoints.
const (
	HeaderStreamID       = "X-Stream-ID"
	HeaderConversationID = "X-Conversation-ID"
	HeaderUserMessageID  = "X-User-Message-ID"
	HeaderWarning        = "X-Warning"
)

// ChatHandler serves the resumable chat protocol over SSE.
type ChatHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		service: svc,
		logger:  log.Named("chat"),
	}
}

// Post handles POST /api/v1/chat. It starts a generation and streams it.
func (h *ChatHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := middleware.ValidateChatRequest(&req); err != nil {
		writeError(w, r, h.logger, apperr.Invalid(err.Error()))
		return
	}

	session, err := h.service.Start(r.Context(), caller(r), &req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.stream(w, r, session)
}

// Resume handles GET /api/v1/chat?conversationId=...&streamId=...
func (h *ChatHandler) Resume(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conversationID := q.Get("conversationId")
	streamID := q.Get("streamId")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, r, h.logger, apperr.Invalid(err.Error()))
		return
	}

	session, err := h.service.Resume(r.Context(), caller(r), conversationID, streamID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.stream(w, r, session)
}

// Stop handles POST /api/v1/chat/stop?conversationId=...
func (h *ChatHandler) Stop(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if err := h.service.Stop(r.Context(), caller(r), conversationID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Models handles GET /api/v1/models.
func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	models := h.service.Models(caller(r))
	type entry struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	out := make([]entry, 0, len(models))
	for _, m := range models {
		out = append(out, entry{ID: m.ID, Name: m.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

// stream writes the session's events as SSE frames until the session ends
// or the client goes away. Leaving early does not affect the generation.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, session *service.Session) {
	log := requestLogger(h.logger, r).WithStream(session.ConversationID, session.StreamID)

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set(HeaderConversationID, session.ConversationID)
	if session.StreamID != "" {
		hdr.Set(HeaderStreamID, session.StreamID)
	}
	if session.UserMessageID != "" {
		hdr.Set(HeaderUserMessageID, session.UserMessageID)
	}
	if session.Warning != "" {
		hdr.Set(HeaderWarning, session.Warning)
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warn("streaming not supported", zap.Error(err))
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sent := 0
	for ev := range session.Events {
		msg := sse.Message{
			ID:   sse.ID(strconv.Itoa(ev.Seq)),
			Type: sse.Type(string(ev.Type)),
		}
		msg.AppendData(string(ev.Payload))

		if _, err := msg.WriteTo(w); err != nil {
			log.Debug("client went away", zap.Int("sent", sent), zap.Error(err))
			return
		}
		if err := rc.Flush(); err != nil {
			log.Debug("client went away", zap.Int("sent", sent), zap.Error(err))
			return
		}
		sent++
	}
	log.Debug("stream delivered", zap.Int("events", sent))
}
