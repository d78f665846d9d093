package apierrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := New(CategoryTool, "timeout", "tool call timed out")
	assert.Equal(t, CategoryTool, err.Category())
	assert.Equal(t, "timeout", err.Code())
	assert.Equal(t, "tool call timed out", err.Message())
	assert.False(t, err.Timestamp().IsZero())
	assert.Equal(t, "timeout: tool call timed out", err.Error())
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(CategoryConnection, "dial_failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestWithData(t *testing.T) {
	err := ServerNotFound("github")
	assert.Equal(t, "github", err.Data()["server"])
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    *HubError
		status int
	}{
		{ValidationError("bad_field", "x"), http.StatusBadRequest},
		{ConfigError("bad_config", "x"), http.StatusBadRequest},
		{ServerNotFound("x"), http.StatusNotFound},
		{ServerError("unreachable", "x"), http.StatusServiceUnavailable},
		{ConnectionError("timeout", "x"), http.StatusServiceUnavailable},
		{WorkspaceError("lock_timeout", "x"), http.StatusServiceUnavailable},
		{AuthError("unauthorized", "x"), http.StatusUnauthorized},
		{ToolError("call_failed", "x"), http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.HTTPStatus(), tc.err.Code())
	}
}
