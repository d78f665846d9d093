package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseWWWAuthenticate(t *testing.T) {
	c, err := ParseWWWAuthenticate(`Bearer realm="https://auth.example.com", scope="mcp:tools", resource_metadata="https://example.com/.well-known/oauth-protected-resource"`)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", c.Scheme)
	assert.Equal(t, "https://auth.example.com", c.Realm)
	assert.Equal(t, "https://auth.example.com", c.Issuer)
	assert.Equal(t, "mcp:tools", c.Scope)
	assert.Equal(t, "https://example.com/.well-known/oauth-protected-resource", c.ResourceMetadataURL)
}

func TestParseWWWAuthenticate_Empty(t *testing.T) {
	_, err := ParseWWWAuthenticate("")
	assert.Error(t, err)
}

func TestTokenStore_StoreGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTokenStore(dir, zap.NewNop())
	require.NoError(t, err)

	rec := &TokenRecord{AccessToken: "abc", TokenType: "Bearer"}
	require.NoError(t, store.Store("github", rec))

	got, err := store.Get("github")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc", got.AccessToken)

	require.NoError(t, store.Delete("github"))
	got, err = store.Get("github")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenRecord_Valid(t *testing.T) {
	var nilRec *TokenRecord
	assert.False(t, nilRec.Valid())

	empty := &TokenRecord{}
	assert.False(t, empty.Valid())

	withToken := &TokenRecord{AccessToken: "x"}
	assert.True(t, withToken.Valid())
}

func TestManager_AuthorizationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTokenStore(dir, zap.NewNop())
	require.NoError(t, err)

	var tokenServer *httptest.Server
	tokenServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "verify-me", r.FormValue("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok123","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	m := NewManager(store, "http://127.0.0.1:8080/oauth/callback", zap.NewNop())

	authURL, err := m.StartAuthorization("github", "https://auth.example.com/authorize", tokenServer.URL, "client-123", &Challenge{Scope: "mcp:tools"})
	require.NoError(t, err)
	assert.Contains(t, authURL, "code_challenge=")
	assert.Contains(t, authURL, "state=")

	m.mu.Lock()
	var state string
	for s := range m.pending {
		state = s
	}
	m.mu.Unlock()
	require.NotEmpty(t, state)

	serverName, err := m.Complete(context.Background(), state, "verify-me", "client-123")
	require.NoError(t, err)
	assert.Equal(t, "github", serverName)

	rec, err := store.Get("github")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tok123", rec.AccessToken)
	_ = tokenServer
}
