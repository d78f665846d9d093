package hub

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mcphub/internal/config"
	"mcphub/internal/events"
	"mcphub/internal/oauth"
	"mcphub/internal/placeholder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, dir string, servers map[string]interface{}) string {
	t.Helper()
	doc := map[string]interface{}{"mcpServers": servers}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestCoordinator(t *testing.T, configPath string) *Coordinator {
	t.Helper()
	loader := config.NewLoader([]string{configPath}, zap.NewNop())
	bus := events.NewBus()
	resolver := placeholder.NewResolver("", "", zap.NewNop())
	store, err := oauth.NewTokenStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	mgr := oauth.NewManager(store, "http://127.0.0.1:8080/oauth/callback", zap.NewNop())
	return New(loader, bus, resolver, mgr, 4, zap.NewNop())
}

func TestCoordinator_InitializeConnectsNonDisabledServers(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, map[string]interface{}{
		"down": map[string]interface{}{"command": "/bin/false"},
		"off":  map[string]interface{}{"command": "/bin/false", "disabled": true},
	})

	c := newTestCoordinator(t, path)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Initialize(ctx, false))

	assert.Len(t, c.Connections(), 2)

	offConn := c.Connection("off")
	require.NotNil(t, offConn)
	assert.Equal(t, "disabled", string(offConn.State()))
}

func TestCoordinator_StartStopServer_UnknownName(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, map[string]interface{}{})
	c := newTestCoordinator(t, path)
	require.NoError(t, c.Initialize(context.Background(), false))

	err := c.StopServer("nope", false)
	assert.Error(t, err)

	err = c.StartServer(context.Background(), "nope")
	assert.Error(t, err)
}

func TestCoordinator_CallToolUnknownServer(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, map[string]interface{}{})
	c := newTestCoordinator(t, path)
	require.NoError(t, c.Initialize(context.Background(), false))

	_, err := c.CallTool(context.Background(), "ghost", "tool", nil)
	assert.Error(t, err)
}

func TestOnlyDisabledChanged(t *testing.T) {
	a := &config.ServerConfig{Name: "x", Command: "y", Disabled: false}
	b := &config.ServerConfig{Name: "x", Command: "y", Disabled: true}
	assert.True(t, onlyDisabledChanged(a, b))

	c2 := &config.ServerConfig{Name: "x", Command: "z", Disabled: true}
	assert.False(t, onlyDisabledChanged(a, c2))
}
