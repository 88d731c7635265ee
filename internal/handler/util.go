package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/middleware"
	"github.com/capitalize-ai/resumable-chat/internal/service"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response for err. Unclassified errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		requestLogger(log, r).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{
		Error: apperr.Message(err),
		Code:  string(apperr.KindOf(err)),
	})
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("invalid request body")
	}
	return nil
}

// requestLogger tags log with the request's correlation id and caller.
func requestLogger(log *logger.Logger, r *http.Request) *logger.Logger {
	ctx := r.Context()
	return log.WithContext(middleware.GetCorrelationID(ctx), middleware.GetIdentity(ctx))
}

func caller(r *http.Request) service.Caller {
	ctx := r.Context()
	return service.Caller{
		Identity: middleware.GetIdentity(ctx),
		Tier:     middleware.GetTier(ctx),
	}
}
