package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorStatusCodes(t *testing.T) {
	tests := []struct {
		err    *AppError
		kind   string
		status int
	}{
		{BadName("bad id"), KindBadName, http.StatusBadRequest},
		{NotFound("session", "api"), KindNotFound, http.StatusNotFound},
		{AlreadyExists("session", "api"), KindAlreadyExists, http.StatusConflict},
		{Conflict("pending request exists"), KindConflict, http.StatusConflict},
		{HostUnreachable("gpu-box", errors.New("dial tcp")), KindHostUnreachable, http.StatusBadGateway},
		{TtsUnavailable(errors.New("503")), KindTtsUnavailable, http.StatusServiceUnavailable},
		{SttUnavailable(errors.New("timeout")), KindSttUnavailable, http.StatusServiceUnavailable},
		{ConcurrencyLimit("2 panes running"), KindConcurrencyLimit, http.StatusTooManyRequests},
		{Timeout("no response"), KindTimeout, http.StatusGatewayTimeout},
		{Internal("boom", nil), KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestWrapPreservesKind(t *testing.T) {
	inner := NotFound("session", "api")
	wrapped := Wrap(inner, "kill failed")

	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
	assert.Contains(t, wrapped.Message, "kill failed")
}

func TestWrapClassifiesUnknownAsInternal(t *testing.T) {
	wrapped := Wrap(errors.New("disk full"), "persist failed")

	assert.Equal(t, KindInternal, wrapped.Kind)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(wrapped))
	assert.ErrorContains(t, wrapped, "disk full")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "no-op"))
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("while deleting: %w", NotFound("session", "api"))

	assert.True(t, IsNotFound(err))
	assert.False(t, IsAlreadyExists(err))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestHTTPStatusForPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestBody(t *testing.T) {
	body := Body(NotFound("session", "api"))
	assert.Equal(t, KindNotFound, body["error"])
	assert.Equal(t, `session "api" not found`, body["message"])

	// Internal details never leak to clients.
	body = Body(errors.New("secret internal state"))
	assert.Equal(t, map[string]any{"error": KindInternal}, body)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "BadName: bad id", BadName("bad id").Error())
	assert.Equal(t, "Internal: boom: disk full", Internal("boom", errors.New("disk full")).Error())
}
