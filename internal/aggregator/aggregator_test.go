package aggregator

import (
	"testing"

	"mcphub/internal/config"
	"mcphub/internal/events"
	"mcphub/internal/oauth"
	"mcphub/internal/placeholder"

	"mcphub/internal/hub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(t *testing.T) *hub.Coordinator {
	t.Helper()
	dir := t.TempDir()
	loader := config.NewLoader(nil, zap.NewNop())
	bus := events.NewBus()
	resolver := placeholder.NewResolver("", "", zap.NewNop())
	store, err := oauth.NewTokenStore(dir, zap.NewNop())
	require.NoError(t, err)
	mgr := oauth.NewManager(store, "http://127.0.0.1:8080/oauth/callback", zap.NewNop())
	return hub.New(loader, bus, resolver, mgr, 4, zap.NewNop())
}

func TestAggregator_RebuildWithNoConnections(t *testing.T) {
	coordinator := newTestCoordinator(t)
	bus := events.NewBus()
	agg := New(coordinator, bus, zap.NewNop())

	agg.Rebuild()
	assert.Empty(t, agg.activeTools)
	assert.NotNil(t, agg.MCPServer())
}

func TestNamespacedName(t *testing.T) {
	assert.Equal(t, "github__create_issue", namespacedName("github", "create_issue"))
}

func TestSplitNamespaced(t *testing.T) {
	server, local, ok := splitNamespaced("github__create_issue")
	assert.True(t, ok)
	assert.Equal(t, "github", server)
	assert.Equal(t, "create_issue", local)

	_, _, ok = splitNamespaced("no-separator")
	assert.False(t, ok)
}

func TestRouteDownstreamCall(t *testing.T) {
	server, local, err := RouteDownstreamCall("github__create_issue")
	require.NoError(t, err)
	assert.Equal(t, "github", server)
	assert.Equal(t, "create_issue", local)

	_, _, err = RouteDownstreamCall("bad")
	assert.Error(t, err)
}

func TestDiffRemoved(t *testing.T) {
	old := map[string]struct{}{"a": {}, "b": {}}
	current := map[string]struct{}{"a": {}}
	removed := diffRemoved(old, current)
	assert.ElementsMatch(t, []string{"b"}, removed)
}
