package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mcphub/internal/aggregator"
	"mcphub/internal/config"
	"mcphub/internal/events"
	"mcphub/internal/hub"
	"mcphub/internal/oauth"
	"mcphub/internal/placeholder"
	"mcphub/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Listen = ":0"

	loader := config.NewLoader(nil, zap.NewNop())
	bus := events.NewBus()
	resolver := placeholder.NewResolver("", "", zap.NewNop())
	store, err := oauth.NewTokenStore(dir, zap.NewNop())
	require.NoError(t, err)
	oauthMgr := oauth.NewManager(store, "http://127.0.0.1:8080/oauth/callback", zap.NewNop())
	coordinator := hub.New(loader, bus, resolver, oauthMgr, 4, zap.NewNop())

	registry, err := workspace.NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)

	agg := aggregator.New(coordinator, bus, zap.NewNop())

	return New(cfg, coordinator, agg, bus, registry, oauthMgr, 0, zap.NewNop())
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Timestamp.IsZero())
}

func TestHandleServersList_WrongMethod(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/servers", nil)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleServerInfo_UnknownServer(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(serverNameRequest{ServerName: "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/api/servers/info", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errBody errorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errBody))
	assert.Equal(t, "not_found", errBody.Code)
}

func TestHandleCallTool_MissingFields(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/servers/tools", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWorkspaces(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleOAuthManualCallback_InvalidURL(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(manualCallbackRequest{URL: "not a url with spaces and :://badscheme"})
	req := httptest.NewRequest(http.MethodPost, "/oauth/manual_callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
