// Package errors provides the error taxonomy shared across the AgentWire portal.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. These are the only codes the portal surfaces over HTTP.
const (
	KindBadName          = "BadName"
	KindNotFound         = "NotFound"
	KindAlreadyExists    = "AlreadyExists"
	KindConflict         = "Conflict"
	KindHostUnreachable  = "HostUnreachable"
	KindTtsUnavailable   = "TtsUnavailable"
	KindSttUnavailable   = "SttUnavailable"
	KindConcurrencyLimit = "ConcurrencyLimit"
	KindTimeout          = "Timeout"
	KindInternal         = "Internal"
)

// AppError is an error with a portal error kind and an HTTP status mapping.
type AppError struct {
	Kind       string `json:"error"`
	Message    string `json:"message,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// BadName reports a session id that fails validation.
func BadName(message string) *AppError {
	return &AppError{Kind: KindBadName, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NotFound reports a missing room, session, or pending slot.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// AlreadyExists reports a create with a taken id.
func AlreadyExists(resource, id string) *AppError {
	return &AppError{
		Kind:       KindAlreadyExists,
		Message:    fmt.Sprintf("%s %q already exists", resource, id),
		HTTPStatus: http.StatusConflict,
	}
}

// Conflict reports a second pending for a one-at-a-time slot.
func Conflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// HostUnreachable reports SSH or control-connection failure past the retry budget.
func HostUnreachable(host string, err error) *AppError {
	return &AppError{
		Kind:       KindHostUnreachable,
		Message:    fmt.Sprintf("host %q unreachable", host),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// TtsUnavailable reports a synthesis engine timeout or 5xx past the circuit breaker.
func TtsUnavailable(err error) *AppError {
	return &AppError{
		Kind:       KindTtsUnavailable,
		Message:    "tts engine unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// SttUnavailable reports a transcription engine timeout or 5xx past the circuit breaker.
func SttUnavailable(err error) *AppError {
	return &AppError{
		Kind:       KindSttUnavailable,
		Message:    "stt engine unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ConcurrencyLimit reports a per-agent concurrency limit being reached.
func ConcurrencyLimit(message string) *AppError {
	return &AppError{Kind: KindConcurrencyLimit, Message: message, HTTPStatus: http.StatusTooManyRequests}
}

// Timeout reports a generic deadline expiry.
func Timeout(message string) *AppError {
	return &AppError{Kind: KindTimeout, Message: message, HTTPStatus: http.StatusGatewayTimeout}
}

// Internal reports an unexpected failure; the wrapped error is logged, never surfaced.
func Internal(message string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Wrap wraps err preserving its kind and status if it already is an AppError,
// otherwise classifies it as Internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{Kind: KindInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return IsKind(err, KindAlreadyExists) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsHostUnreachable reports whether err is a HostUnreachable error.
func IsHostUnreachable(err error) bool { return IsKind(err, KindHostUnreachable) }

// HTTPStatus returns the HTTP status code for err, 500 when it is not an AppError.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Body returns the JSON error body for err.
func Body(err error) map[string]any {
	var appErr *AppError
	if errors.As(err, &appErr) {
		body := map[string]any{"error": appErr.Kind}
		if appErr.Message != "" {
			body["message"] = appErr.Message
		}
		return body
	}
	return map[string]any{"error": KindInternal}
}
