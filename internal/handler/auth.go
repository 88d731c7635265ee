package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/resumable-chat/internal/middleware"
	"github.com/capitalize-ai/resumable-chat/internal/usage"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
)

// AuthHandler issues tokens for guest sessions.
type AuthHandler struct {
	secret string
	ttl    time.Duration
	logger *logger.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(secret string, ttl time.Duration, log *logger.Logger) *AuthHandler {
	return &AuthHandler{secret: secret, ttl: ttl, logger: log}
}

// TokenResponse is returned by Guest.
type TokenResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	Tier      string    `json:"tier"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Guest handles POST /api/v1/auth/guest. It mints a token for a fresh guest
// identity.
func (h *AuthHandler) Guest(w http.ResponseWriter, r *http.Request) {
	identity := "guest-" + uuid.Must(uuid.NewV7()).String()
	token, err := middleware.IssueToken(h.secret, identity, usage.TierGuest, h.ttl)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, TokenResponse{
		Token:     token,
		Identity:  identity,
		Tier:      string(usage.TierGuest),
		ExpiresAt: time.Now().Add(h.ttl).UTC(),
	})
}
