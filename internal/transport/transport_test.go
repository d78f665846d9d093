package transport

import (
	"context"
	"errors"
	"testing"

	"mcphub/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStdio_RejectsRemoteServer(t *testing.T) {
	srv := &config.ServerConfig{Name: "demo", URL: "https://example.com"}
	_, err := NewStdio(srv, nil)
	assert.Error(t, err)
}

func TestBaseClient_NotConnectedErrors(t *testing.T) {
	var b baseClient
	_, err := b.listTools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestCheckForAuthRequiredError(t *testing.T) {
	err := checkForAuthRequiredError(errors.New("request failed with status 401: unauthorized"), "https://example.com/mcp")
	require.NotNil(t, err)
	assert.Equal(t, "https://example.com/mcp", err.URL)

	assert.Nil(t, checkForAuthRequiredError(errors.New("connection refused"), "https://example.com/mcp"))
	assert.Nil(t, checkForAuthRequiredError(nil, "https://example.com/mcp"))
}

func TestParseBearerChallenge(t *testing.T) {
	realm, scope := parseBearerChallenge(`Bearer realm="https://auth.example.com", scope="mcp:tools"`)
	assert.Equal(t, "https://auth.example.com", realm)
	assert.Equal(t, "mcp:tools", scope)
}
