// Package apperr defines the error taxonomy shared by the chat services and
// the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindMissingField  Kind = "missing_field"
	KindInvalid       Kind = "invalid_request"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindUnknownModel  Kind = "unknown_model"
	KindForbidden     Kind = "forbidden"
	KindProvider      Kind = "provider_error"
	KindPersistence   Kind = "persistence_error"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindUnauthorized  Kind = "unauthorized"
	KindInternal      Kind = "internal"
)

// Error is a classified error with a client-safe message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, apperr.NotFound("")) work regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a classified error around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func MissingField(field string) *Error {
	return New(KindMissingField, fmt.Sprintf("missing required field: %s", field))
}

func Invalid(msg string) *Error {
	return New(KindInvalid, msg)
}

func QuotaExceeded(reason string) *Error {
	return New(KindQuotaExceeded, reason)
}

func UnknownModel(model string) *Error {
	return New(KindUnknownModel, fmt.Sprintf("unknown model: %s", model))
}

func Forbidden(msg string) *Error {
	return New(KindForbidden, msg)
}

func NotFound(msg string) *Error {
	return New(KindNotFound, msg)
}

func Conflict(msg string) *Error {
	return New(KindConflict, msg)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns a client-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// HTTPStatus maps an error to the status code returned to clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMissingField, KindInvalid, KindUnknownModel:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
