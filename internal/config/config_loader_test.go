package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeServerFile(t *testing.T, path string, servers map[string]*ServerConfig) {
	t.Helper()
	doc := rawDocument{MCPServers: servers}
	data, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLoad_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	writeServerFile(t, path, map[string]*ServerConfig{
		"fs": {Command: "mcp-server-fs"},
	})

	merged, err := Load([]string{path})
	require.NoError(t, err)
	require.Contains(t, merged.Servers, "fs")
	assert.Equal(t, "fs", merged.Servers["fs"].Name)
	assert.Equal(t, path, merged.Servers["fs"].ConfigSource)
}

func TestLoad_MergeByOverride(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json")
	override := filepath.Join(dir, "override.json")

	writeServerFile(t, base, map[string]*ServerConfig{
		"fs":     {Command: "mcp-server-fs"},
		"github": {Command: "mcp-server-github"},
	})
	writeServerFile(t, override, map[string]*ServerConfig{
		"github": {Command: "mcp-server-github-v2"},
	})

	merged, err := Load([]string{base, override})
	require.NoError(t, err)
	assert.Equal(t, "mcp-server-fs", merged.Servers["fs"].Command)
	assert.Equal(t, "mcp-server-github-v2", merged.Servers["github"].Command)
	assert.Equal(t, override, merged.Servers["github"].ConfigSource)
}

func TestLoad_JSONCCommentsAndTrailingCommas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.jsonc")
	content := `{
  // a comment
  "mcpServers": {
    "fs": {
      "command": "mcp-server-fs", // trailing comment
      "args": ["--root", "/tmp",],
    },
  },
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	merged, err := Load([]string{path})
	require.NoError(t, err)
	require.Contains(t, merged.Servers, "fs")
	assert.Equal(t, []string{"--root", "/tmp"}, merged.Servers["fs"].Args)
}

func TestLoad_ServersKeyAlias(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	doc := rawDocument{Servers: map[string]*ServerConfig{"fs": {Command: "mcp-server-fs"}}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	merged, err := Load([]string{path})
	require.NoError(t, err)
	require.Contains(t, merged.Servers, "fs")
}

func TestDiff(t *testing.T) {
	old := map[string]*ServerConfig{
		"fs":     {Name: "fs", Command: "mcp-server-fs"},
		"github": {Name: "github", Command: "mcp-server-github"},
	}
	newServers := map[string]*ServerConfig{
		"fs":     {Name: "fs", Command: "mcp-server-fs"},
		"github": {Name: "github", Command: "mcp-server-github-v2"},
		"slack":  {Name: "slack", Command: "mcp-server-slack"},
	}

	delta := Diff(old, newServers)
	assert.ElementsMatch(t, []string{"slack"}, delta.Added)
	assert.ElementsMatch(t, []string{"github"}, delta.Modified)
	assert.ElementsMatch(t, []string{"fs"}, delta.Unchanged)
	assert.Empty(t, delta.Removed)
	assert.False(t, delta.IsEmpty())
}

func TestDiff_Removed(t *testing.T) {
	old := map[string]*ServerConfig{"fs": {Name: "fs", Command: "mcp-server-fs"}}
	newServers := map[string]*ServerConfig{}

	delta := Diff(old, newServers)
	assert.ElementsMatch(t, []string{"fs"}, delta.Removed)
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	writeServerFile(t, path, map[string]*ServerConfig{"fs": {Command: "mcp-server-fs"}})

	loader := NewLoader([]string{path}, zap.NewNop())
	merged, err := loader.Load()
	require.NoError(t, err)
	assert.Contains(t, merged.Servers, "fs")
	assert.Equal(t, merged, loader.GetMerged())
}

func TestLoader_StartWatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	writeServerFile(t, path, map[string]*ServerConfig{"fs": {Command: "mcp-server-fs"}})

	loader := NewLoader([]string{path}, zap.NewNop())
	_, err := loader.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	var lastDelta Delta
	notified := make(chan struct{}, 1)

	err = loader.StartWatching(func(_ *Merged, delta Delta) {
		mu.Lock()
		lastDelta = delta
		mu.Unlock()
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer loader.Stop()

	writeServerFile(t, path, map[string]*ServerConfig{
		"fs":   {Command: "mcp-server-fs"},
		"slack": {Command: "mcp-server-slack"},
	})

	select {
	case <-notified:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lastDelta.Added, "slack")
}
