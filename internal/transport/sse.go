package transport

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// SSEClient speaks MCP over Server-Sent Events, the fallback transport for
// remote servers that reject a streamable-HTTP handshake with something
// other than 401.
type SSEClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewSSEClient builds an SSE client for url.
func NewSSEClient(url string, headers map[string]string) *SSEClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &SSEClient{url: url, headers: headers}
}

// Initialize connects and performs the MCP handshake.
func (c *SSEClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, nil
	}

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating SSE client for %s: %w", c.url, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if authErr := checkForAuthRequiredError(err, c.url); authErr != nil {
			return nil, authErr
		}
		return nil, fmt.Errorf("starting SSE transport for %s: %w", c.url, err)
	}

	result, err := mcpClient.Initialize(ctx, initializeRequest())
	if err != nil {
		_ = mcpClient.Close()
		if authErr := checkForAuthRequiredError(err, c.url); authErr != nil {
			return nil, authErr
		}
		return nil, fmt.Errorf("initializing SSE handshake for %s: %w", c.url, err)
	}

	c.inner = mcpClient
	c.connected = true
	return result, nil
}

func (c *SSEClient) Close() error { return c.closeClient() }

func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return c.listTools(ctx) }

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *SSEClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *SSEClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return c.listResourceTemplates(ctx)
}

func (c *SSEClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return c.listPrompts(ctx) }

func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *SSEClient) Ping(ctx context.Context) error { return c.ping(ctx) }

func (c *SSEClient) OnNotification(handler func(mcp.JSONRPCNotification)) { c.onNotification(handler) }
