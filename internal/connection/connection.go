package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mcphub/internal/apierrors"
	"mcphub/internal/config"
	"mcphub/internal/events"
	"mcphub/internal/oauth"
	"mcphub/internal/placeholder"
	"mcphub/internal/transport"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// connectResult is the outcome of one connect attempt, mirroring the
// distinct failure modes the caller needs to react to differently.
type connectResult int

const (
	resultOK connectResult = iota
	resultNeedsAuth
	resultTransportError
	resultFatal
)

// Connection owns one upstream server's lifecycle: connecting (with
// transport fallback and OAuth), capability discovery, tool/resource/prompt
// calls, and dev-mode restarts.
type Connection struct {
	name   string
	bus    *events.Bus
	logger *zap.Logger

	resolver *placeholder.Resolver
	oauthMgr *oauth.Manager

	mu       sync.RWMutex
	raw      *config.ServerConfig // as loaded, unresolved
	resolved *config.ServerConfig
	client   transport.Client

	state *stateMachine
	watch *devWatcher
}

// New builds a Connection for srv. It does not connect; call Connect.
func New(srv *config.ServerConfig, bus *events.Bus, resolver *placeholder.Resolver, oauthMgr *oauth.Manager, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		name:     srv.Name,
		bus:      bus,
		logger:   logger.With(zap.String("server", srv.Name)),
		resolver: resolver,
		oauthMgr: oauthMgr,
		raw:      srv,
		state:    newStateMachine(srv.Name, bus, logger),
	}
	return c
}

// Name returns the server's configured name.
func (c *Connection) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state.State() }

// Info returns a point-in-time snapshot for API responses.
func (c *Connection) Info() Info { return c.state.Info() }

// UpdateConfig swaps in a newer raw config (used when the loader reports
// this server as "modified"). The caller is responsible for triggering a
// reconnect afterward if the change requires one.
func (c *Connection) UpdateConfig(srv *config.ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = srv
}

// Connect resolves placeholders and attempts the transport(s) appropriate
// for this server, transitioning through the state machine as it goes.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()

	if raw.Disabled {
		c.state.transition(StateDisabled, "server disabled in config")
		return nil
	}

	c.state.transition(StateConnecting, "connect requested")

	resolved, _, err := c.resolver.ResolveServerConfig(raw)
	if err != nil {
		c.state.setError(err)
		c.state.transition(StateDisconnected, "placeholder resolution failed")
		return apierrors.ConfigError("placeholder_resolution_failed", err.Error()).WithData(map[string]interface{}{"server": c.name})
	}

	c.mu.Lock()
	c.resolved = resolved
	c.mu.Unlock()

	var result connectResult
	if resolved.IsRemote() {
		result, err = c.tryRemote(ctx, resolved)
	} else {
		result, err = c.tryStdio(ctx, resolved)
	}

	switch result {
	case resultOK:
		if resolved.Dev != nil && resolved.Dev.Enabled {
			c.mu.RLock()
			watching := c.watch != nil
			c.mu.RUnlock()
			if !watching {
				c.startDevWatch(resolved)
			}
		}
		return nil
	case resultNeedsAuth:
		var authErr *transport.AuthRequiredError
		url := ""
		if errors.As(err, &authErr) {
			url = authErr.URL
		}
		c.state.setAuthorizationURL(url)
		c.state.setError(err)
		c.state.transition(StateUnauthorized, "upstream requires authorization")
		return nil
	default:
		c.state.setError(err)
		c.state.transition(StateDisconnected, "connect failed")
		return apierrors.ConnectionError("connect_failed", err.Error()).WithData(map[string]interface{}{"server": c.name})
	}
}

// tryRemote attempts streamable-HTTP first, falling back to SSE on any
// non-auth transport error.
func (c *Connection) tryRemote(ctx context.Context, resolved *config.ServerConfig) (connectResult, error) {
	client := transport.NewStreamableHTTPClient(resolved.URL, resolved.Headers)
	initResult, err := client.Initialize(ctx)
	if err == nil {
		return c.finishConnect(client, initResult)
	}

	var authErr *transport.AuthRequiredError
	if errors.As(err, &authErr) {
		return resultNeedsAuth, err
	}

	c.logger.Warn("streamable-http connect failed, falling back to SSE", zap.Error(err))

	sseClient := transport.NewSSEClient(resolved.URL, resolved.Headers)
	initResult, sseErr := sseClient.Initialize(ctx)
	if sseErr == nil {
		return c.finishConnect(sseClient, initResult)
	}

	if errors.As(sseErr, &authErr) {
		return resultNeedsAuth, sseErr
	}

	return resultTransportError, fmt.Errorf("streamable-http: %w; sse: %v", err, sseErr)
}

func (c *Connection) tryStdio(ctx context.Context, resolved *config.ServerConfig) (connectResult, error) {
	client := transport.NewStdioClient(resolved.Command, resolved.Args, resolved.Env)
	initResult, err := client.Initialize(ctx)
	if err != nil {
		return resultFatal, err
	}
	return c.finishConnect(client, initResult)
}

func (c *Connection) finishConnect(client transport.Client, initResult *mcp.InitializeResult) (connectResult, error) {
	if initResult != nil {
		c.state.setServerInfo(initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	client.OnNotification(c.handleNotification)

	if err := c.fetchCapabilities(context.Background()); err != nil {
		c.logger.Warn("initial capability fetch failed", zap.Error(err))
	}

	c.state.transition(StateConnected, "handshake complete")
	return resultOK, nil
}

// fetchCapabilities re-lists tools, resources, prompts, and resource
// templates. Each list RPC is tolerated independently: a server without
// resources support, for example, should not prevent tools from being
// listed.
func (c *Connection) fetchCapabilities(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	var tools []mcp.Tool
	var resources []mcp.Resource
	var prompts []mcp.Prompt
	var resourceTemplates []mcp.ResourceTemplate
	var errs []string

	if t, err := client.ListTools(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("tools: %v", err))
	} else {
		tools = t
	}
	if r, err := client.ListResources(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("resources: %v", err))
	} else {
		resources = r
	}
	if p, err := client.ListPrompts(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("prompts: %v", err))
	} else {
		prompts = p
	}
	if rt, err := client.ListResourceTemplates(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("resource templates: %v", err))
	} else {
		resourceTemplates = rt
	}

	c.state.setCapabilities(tools, resources, prompts, resourceTemplates)

	if len(errs) == 4 {
		return fmt.Errorf("all capability fetches failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// handleNotification reacts to an upstream server's list-changed
// notifications by re-fetching capabilities and publishing the matching
// change event, so the aggregator's Rebuild stays current without polling.
func (c *Connection) handleNotification(notification mcp.JSONRPCNotification) {
	var eventType events.EventType
	switch notification.Method {
	case "notifications/tools/list_changed":
		eventType = events.EventToolListChanged
	case "notifications/resources/list_changed":
		eventType = events.EventResourceListChanged
	case "notifications/prompts/list_changed":
		eventType = events.EventPromptListChanged
	default:
		return
	}

	if err := c.Refresh(context.Background()); err != nil {
		c.logger.Warn("capability refresh after notification failed",
			zap.String("method", notification.Method), zap.Error(err))
	}
	c.bus.Publish(events.Event{Type: eventType, ServerName: c.name})
}

// Refresh re-fetches capabilities for an already-connected server.
func (c *Connection) Refresh(ctx context.Context) error {
	if c.State() != StateConnected {
		return apierrors.ConnectionError("not_connected", fmt.Sprintf("server %q is not connected", c.name))
	}
	return c.fetchCapabilities(ctx)
}

// Tools/Resources/Prompts return the last-fetched capability snapshot.
func (c *Connection) Tools() []mcp.Tool {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return append([]mcp.Tool(nil), c.state.tools...)
}

func (c *Connection) Resources() []mcp.Resource {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return append([]mcp.Resource(nil), c.state.resources...)
}

func (c *Connection) Prompts() []mcp.Prompt {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return append([]mcp.Prompt(nil), c.state.prompts...)
}

func (c *Connection) ResourceTemplates() []mcp.ResourceTemplate {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return append([]mcp.ResourceTemplate(nil), c.state.resourceTemplates...)
}

// CallTool invokes name on the connected upstream client. name must appear
// in the last-fetched tool list.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	if !c.state.hasTool(name) {
		return nil, apierrors.ToolNotFound(c.name, name)
	}
	return client.CallTool(ctx, name, args)
}

// ReadResource reads uri from the connected upstream client.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	return client.ReadResource(ctx, uri)
}

// GetPrompt retrieves name from the connected upstream client. name must
// appear in the last-fetched prompt list.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	client, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	if !c.state.hasPrompt(name) {
		return nil, apierrors.PromptNotFound(c.name, name)
	}
	return client.GetPrompt(ctx, name, args)
}

func (c *Connection) connectedClient() (transport.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil || c.State() != StateConnected {
		return nil, apierrors.ConnectionError("not_connected", fmt.Sprintf("server %q is not connected", c.name))
	}
	return client, nil
}

// Disconnect closes the transport and stops any dev watcher, leaving the
// connection ready to be reconnected later.
func (c *Connection) Disconnect(reason string) error {
	c.stopDevWatch()

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}
	c.state.transition(StateDisconnected, reason)
	return err
}

// RestartPreservingWatcher tears down and reconnects a stdio server without
// disturbing its dev-mode file watcher, which keeps running across restarts.
func (c *Connection) RestartPreservingWatcher(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	c.state.transition(StateDisconnected, "dev-mode restart")
	return c.Connect(ctx)
}

// AuthorizationURL returns the last authorization URL produced while in the
// unauthorized state, if any.
func (c *Connection) AuthorizationURL() string {
	return c.state.Info().AuthorizationURL
}

// CompleteAuthorization finishes the OAuth dance for this server and
// reconnects it.
func (c *Connection) CompleteAuthorization(ctx context.Context, state, code, clientID string) error {
	if _, err := c.oauthMgr.Complete(ctx, state, code, clientID); err != nil {
		return apierrors.AuthError("authorization_failed", err.Error())
	}
	c.state.transition(StateDisconnected, "authorization completed")
	return c.Connect(ctx)
}

// BackoffRemaining reports how long the caller should wait before the next
// automatic reconnect attempt, based on the connection's retry count.
func (c *Connection) BackoffRemaining() time.Duration {
	info := c.state.Info()
	if info.RetryCount == 0 {
		return 0
	}
	elapsed := time.Since(info.LastRetryTime)
	wait := backoffDuration(info.RetryCount)
	if elapsed >= wait {
		return 0
	}
	return wait - elapsed
}
