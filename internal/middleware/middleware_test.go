package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/resumable-chat/internal/middleware"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/usage"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
)

const secret = "test-secret"

func whoami(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(middleware.GetIdentity(r.Context()) + "/" + string(middleware.GetTier(r.Context()))))
}

func TestAuth(t *testing.T) {
	h := middleware.Auth(secret)(http.HandlerFunc(whoami))

	regular, err := middleware.IssueToken(secret, "alice", usage.TierRegular, time.Hour)
	require.NoError(t, err)
	expired, err := middleware.IssueToken(secret, "alice", usage.TierRegular, -time.Minute)
	require.NoError(t, err)
	foreign, err := middleware.IssueToken("other-secret", "alice", usage.TierRegular, time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tier": "regular"}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + regular, http.StatusOK, "alice/regular"},
		{"lowercase scheme", "bearer " + regular, http.StatusOK, "alice/regular"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + regular, http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + foreign, http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + noSubject, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
			}
		})
	}
}

func TestGetTierDefaultsToGuest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, usage.TierGuest, middleware.GetTier(req.Context()))
	assert.Empty(t, middleware.GetIdentity(req.Context()))
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	h := middleware.Logging(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetCorrelationID(r.Context())
		w.(http.Flusher).Flush()
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	assert.True(t, rec.Flushed)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestRateLimitByIdentity(t *testing.T) {
	h := middleware.Auth(secret)(middleware.RateLimit(2, time.Minute)(http.HandlerFunc(whoami)))

	call := func(identity string) int {
		tok, err := middleware.IssueToken(secret, identity, usage.TierGuest, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("alice"))
	assert.Equal(t, http.StatusOK, call("alice"))
	assert.Equal(t, http.StatusTooManyRequests, call("alice"))
	assert.Equal(t, http.StatusOK, call("bob"), "limits are per identity")
}

func TestCORSExposesChatHeaders(t *testing.T) {
	h := middleware.CORS("https://app.example.com")(http.HandlerFunc(whoami))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Stream-Id")
}

func TestValidation(t *testing.T) {
	assert.NoError(t, middleware.ValidateID("c1_a-B"))
	assert.NoError(t, middleware.ValidateID(""))
	assert.Error(t, middleware.ValidateID("c 1"))
	assert.Error(t, middleware.ValidateID("a/b"))
	assert.Error(t, middleware.ValidateID(strings.Repeat("a", 129)))

	assert.NoError(t, middleware.ValidateTitle("plans"))
	assert.Error(t, middleware.ValidateTitle(strings.Repeat("a", 300)))
	assert.Error(t, middleware.ValidateMessageContent(string([]byte{0xff})))

	req := &model.ChatRequest{
		ConversationID: "c1",
		Messages:       []model.Message{{Role: model.RoleUser, Parts: model.Parts{model.TextPart{Text: "hi"}}}},
	}
	assert.NoError(t, middleware.ValidateChatRequest(req))
	req.ConversationID = "c.1"
	assert.Error(t, middleware.ValidateChatRequest(req))
}
