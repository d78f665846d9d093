package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// StreamableHTTPClient speaks MCP over HTTP with streaming responses.
type StreamableHTTPClient struct {
	baseClient
	url     string
	headers map[string]string
}

// NewStreamableHTTPClient builds a streamable-HTTP client for url.
func NewStreamableHTTPClient(url string, headers map[string]string) *StreamableHTTPClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &StreamableHTTPClient{url: url, headers: headers}
}

// Initialize connects and performs the MCP handshake. A 401 response is
// surfaced as *AuthRequiredError rather than a generic error.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating streamable-http client for %s: %w", c.url, err)
	}

	result, err := mcpClient.Initialize(ctx, initializeRequest())
	if err != nil {
		_ = mcpClient.Close()
		if authErr := checkForAuthRequiredError(err, c.url); authErr != nil {
			return nil, authErr
		}
		return nil, fmt.Errorf("initializing streamable-http handshake for %s: %w", c.url, err)
	}

	c.inner = mcpClient
	c.connected = true
	return result, nil
}

func (c *StreamableHTTPClient) Close() error { return c.closeClient() }

func (c *StreamableHTTPClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return c.listTools(ctx)
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StreamableHTTPClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return c.listResources(ctx)
}

func (c *StreamableHTTPClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StreamableHTTPClient) ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error) {
	return c.listResourceTemplates(ctx)
}

func (c *StreamableHTTPClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return c.listPrompts(ctx)
}

func (c *StreamableHTTPClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StreamableHTTPClient) Ping(ctx context.Context) error { return c.ping(ctx) }

func (c *StreamableHTTPClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.onNotification(handler)
}

// checkForAuthRequiredError inspects an initialize error for a 401 signal.
// mcp-go surfaces the HTTP status inside the error text rather than as a
// typed error, so detection is string-based, matching the upstream
// ecosystem's own approach to this problem.
func checkForAuthRequiredError(err error, url string) *AuthRequiredError {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "401") && !strings.Contains(errStr, http.StatusText(http.StatusUnauthorized)) {
		return nil
	}

	realm, scope := "", ""
	if idx := strings.Index(errStr, "Bearer"); idx >= 0 {
		challenge := errStr[idx:]
		if end := strings.IndexByte(challenge, '\n'); end > 0 {
			challenge = challenge[:end]
		}
		realm, scope = parseBearerChallenge(challenge)
	}

	return &AuthRequiredError{URL: url, Realm: realm, Scope: scope, Err: fmt.Errorf("server returned 401 Unauthorized")}
}

func parseBearerChallenge(challenge string) (realm, scope string) {
	challenge = strings.TrimPrefix(strings.TrimSpace(challenge), "Bearer")
	for _, part := range strings.Split(challenge, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "realm="):
			realm = strings.Trim(strings.TrimPrefix(part, "realm="), `"`)
		case strings.HasPrefix(part, "scope="):
			scope = strings.Trim(strings.TrimPrefix(part, "scope="), `"`)
		}
	}
	return realm, scope
}
