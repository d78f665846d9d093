// Package transport implements the per-server MCP clients: one for each of
// the three upstream transport kinds (stdio, SSE, streamable-http), all
// satisfying a single Client interface so the connection layer above never
// needs to know which wire format a given upstream server speaks.
package transport

import (
	"context"
	"fmt"
	"sync"

	"mcphub/internal/config"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol version this hub negotiates on every
// upstream handshake.
const protocolVersion = "2024-11-05"

// clientName/clientVersion identify the hub to upstream servers during
// initialize.
const (
	clientName    = "mcp-hub"
	clientVersion = "1.0.0"
)

// Client is the interface every upstream transport implements. The hub's
// connection and aggregator layers talk to upstream servers exclusively
// through this interface.
type Client interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	Close() error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error

	// OnNotification registers handler to receive every server-pushed
	// notification, including the tools/resources/prompts list-changed kinds.
	OnNotification(handler func(notification mcp.JSONRPCNotification))
}

// AuthRequiredError signals that an upstream streamable-http or SSE server
// rejected the handshake with 401 Unauthorized. The connection layer treats
// this distinctly from a generic connection failure, moving the server to
// the unauthorized state instead of retrying with backoff.
type AuthRequiredError struct {
	URL   string
	Realm string
	Scope string
	Err   error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for %s: %v", e.URL, e.Err)
}

func (e *AuthRequiredError) Unwrap() error { return e.Err }

// baseClient holds the shared mcp-go client handle and connection state
// common to every transport kind.
type baseClient struct {
	mu        sync.RWMutex
	inner     client.MCPClient
	connected bool
}

func (b *baseClient) checkConnected() error {
	if !b.connected || b.inner == nil {
		return fmt.Errorf("client not connected")
	}
	return nil
}

func (b *baseClient) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.inner == nil {
		return nil
	}
	err := b.inner.Close()
	b.inner = nil
	b.connected = false
	return err
}

func (b *baseClient) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return result.Tools, nil
}

func (b *baseClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.inner.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("calling tool %q: %w", name, err)
	}
	return result, nil
}

func (b *baseClient) listResources(ctx context.Context) ([]mcp.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	return result.Resources, nil
}

func (b *baseClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.inner.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{URI: uri},
	})
	if err != nil {
		return nil, fmt.Errorf("reading resource %q: %w", uri, err)
	}
	return result, nil
}

func (b *baseClient) listResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.inner.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing resource templates: %w", err)
	}
	return result.ResourceTemplates, nil
}

func (b *baseClient) listPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	result, err := b.inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing prompts: %w", err)
	}
	return result.Prompts, nil
}

func (b *baseClient) getPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			stringArgs[k] = s
		} else {
			stringArgs[k] = fmt.Sprintf("%v", v)
		}
	}
	result, err := b.inner.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{Name: name, Arguments: stringArgs},
	})
	if err != nil {
		return nil, fmt.Errorf("getting prompt %q: %w", name, err)
	}
	return result, nil
}

func (b *baseClient) onNotification(handler func(notification mcp.JSONRPCNotification)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.inner == nil {
		return
	}
	b.inner.OnNotification(handler)
}

func (b *baseClient) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkConnected(); err != nil {
		return err
	}
	return b.inner.Ping(ctx)
}

func initializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo:      mcp.Implementation{Name: clientName, Version: clientVersion},
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
}

// NewStdio builds the stdio Client for srv, which must be a local-command
// server (srv.IsRemote() == false).
func NewStdio(srv *config.ServerConfig, env map[string]string) (Client, error) {
	if srv.IsRemote() {
		return nil, fmt.Errorf("server %q: stdio transport requires a command, not a url", srv.Name)
	}
	return NewStdioClient(srv.Command, srv.Args, env), nil
}
