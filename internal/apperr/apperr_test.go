package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing field", apperr.MissingField("model"), http.StatusBadRequest},
		{"invalid", apperr.Invalid("bad id"), http.StatusBadRequest},
		{"unknown model", apperr.UnknownModel("x"), http.StatusBadRequest},
		{"quota", apperr.QuotaExceeded("daily limit"), http.StatusTooManyRequests},
		{"forbidden", apperr.Forbidden("nope"), http.StatusForbidden},
		{"not found", apperr.NotFound("gone"), http.StatusNotFound},
		{"conflict", apperr.Conflict("exists"), http.StatusConflict},
		{"wrapped", fmt.Errorf("outer: %w", apperr.Forbidden("nope")), http.StatusForbidden},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.HTTPStatus(tt.err))
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("lookup: %w", apperr.NotFound("conversation not found"))

	assert.True(t, errors.Is(err, apperr.NotFound("")))
	assert.False(t, errors.Is(err, apperr.Forbidden("")))
	assert.Equal(t, "conversation not found", apperr.Message(err))
	assert.Equal(t, "internal error", apperr.Message(errors.New("secret detail")))
}
