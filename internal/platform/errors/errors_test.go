package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypes_HTTPStatus(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name   string
		err    *Error
		status int
		kind   ErrorType
	}{
		{"validation", ValidationError("bad key"), http.StatusBadRequest, TypeValidation},
		{"not found", NotFoundError("no such channel"), http.StatusNotFound, TypeNotFound},
		{"too many requests", TooManyRequestsError("slow down"), http.StatusTooManyRequests, TypeTooManyRequests},
		{"unavailable", UnavailableError("at capacity", cause), http.StatusServiceUnavailable, TypeUnavailable},
		{"internal", InternalError("attach failed", cause), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Type)
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.kind))
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("registry stopped")
	err := fmt.Errorf("attach: %w", InternalError("attach failed", cause))

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "registry stopped")
}

func TestWithField(t *testing.T) {
	err := ValidationError("bad key").WithField("key", "a/b").WithField("remote", "10.0.0.1")

	assert.Equal(t, map[string]any{"key": "a/b", "remote": "10.0.0.1"}, err.Context)

	resp := err.ToResponse()
	assert.Equal(t, "bad key", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, "a/b", resp.Context["key"])
}

func TestWithField_NilContext(t *testing.T) {
	err := &Error{Type: TypeInternal, Message: "x"}
	err.WithField("k", 1)
	assert.Equal(t, 1, err.Context["k"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := NotFoundError("gone")
	wrapped := fmt.Errorf("lookup: %w", original)
	assert.Same(t, original, AsStructuredError(wrapped))

	plain := errors.New("plain")
	converted := AsStructuredError(plain)
	require.NotNil(t, converted)
	assert.Equal(t, TypeInternal, converted.Type)
	assert.ErrorIs(t, converted, plain)
}
