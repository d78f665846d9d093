// Package hub implements the Hub Coordinator: the map from server name to
// live Connection, and the batch operations (initialize, applyDelta,
// restart) that keep that map in sync with the loaded configuration.
package hub

import (
	"context"
	"fmt"
	"sync"

	"mcphub/internal/apierrors"
	"mcphub/internal/config"
	"mcphub/internal/connection"
	"mcphub/internal/events"
	"mcphub/internal/oauth"
	"mcphub/internal/placeholder"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Coordinator owns every ServerConnection and reconciles them against the
// loaded config as it changes.
type Coordinator struct {
	mu      sync.RWMutex
	conns   map[string]*connection.Connection
	servers map[string]*config.ServerConfig // last-applied raw config, by name

	loader   *config.Loader
	bus      *events.Bus
	resolver *placeholder.Resolver
	oauthMgr *oauth.Manager
	logger   *zap.Logger

	maxConcurrent int

	stateMu sync.Mutex
	state   State
}

// New builds a Coordinator. It does not connect anything until initialize.
func New(loader *config.Loader, bus *events.Bus, resolver *placeholder.Resolver, oauthMgr *oauth.Manager, maxConcurrent int, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Coordinator{
		conns:         make(map[string]*connection.Connection),
		servers:       make(map[string]*config.ServerConfig),
		loader:        loader,
		bus:           bus,
		resolver:      resolver,
		oauthMgr:      oauthMgr,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		state:         StateStarting,
	}
}

// State returns the hub's current overall lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SetState advances the hub's overall lifecycle state and broadcasts the
// transition as a hub_state event. Invalid transitions are logged and
// dropped rather than applied, since the hub's state must only ever move
// along the paths the spec defines.
func (c *Coordinator) SetState(to State, reason string) {
	c.stateMu.Lock()
	from := c.state
	if err := validateHubTransition(from, to); err != nil {
		c.stateMu.Unlock()
		c.logger.Warn("rejected hub state transition",
			zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
		return
	}
	c.state = to
	c.stateMu.Unlock()

	c.logger.Info("hub state transition",
		zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))

	c.bus.Publish(events.Event{
		Type: events.EventHubState,
		Data: events.HubStateData{State: to.String(), PreviousState: from.String(), Reason: reason},
	})
}

// Initialize loads the configured server set and connects every non-disabled
// server in parallel, bounded by maxConcurrent. Individual connect failures
// are logged, not returned: this is a settle-all operation.
func (c *Coordinator) Initialize(ctx context.Context, watchEnabled bool) error {
	merged, err := c.loader.Load()
	if err != nil {
		c.SetState(StateError, err.Error())
		return apierrors.ConfigError("config_load_failed", err.Error())
	}

	c.mu.Lock()
	for name, srv := range merged.Servers {
		c.servers[name] = srv
		c.conns[name] = connection.New(srv, c.bus, c.resolver, c.oauthMgr, c.logger)
	}
	names := make([]string, 0, len(c.conns))
	for name := range c.conns {
		names = append(names, name)
	}
	c.mu.Unlock()

	c.connectAll(ctx, names)

	if watchEnabled {
		if err := c.loader.StartWatching(c.onConfigChanged); err != nil {
			c.SetState(StateError, err.Error())
			return apierrors.ConfigError("watch_failed", err.Error())
		}
	}
	return nil
}

func (c *Coordinator) connectAll(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}

	batch := events.ConfigChangedData{Added: names}
	c.bus.Publish(events.Event{Type: events.EventServersUpdating, Data: batch})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)

	for _, name := range names {
		name := name
		g.Go(func() error {
			conn := c.connectionByName(name)
			if conn == nil {
				return nil
			}
			if err := conn.Connect(gctx); err != nil {
				c.logger.Warn("server connect failed", zap.String("server", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.bus.Publish(events.Event{Type: events.EventServersUpdated, Data: batch})
}

func (c *Coordinator) onConfigChanged(merged *config.Merged, delta config.Delta) {
	c.bus.Publish(events.Event{Type: events.EventConfigChanged, Data: events.ConfigChangedData{
		Added: delta.Added, Removed: delta.Removed, Modified: delta.Modified, Unchanged: delta.Unchanged,
	}})
	if delta.IsEmpty() {
		return
	}
	ctx := context.Background()
	if err := c.ApplyDelta(ctx, merged, delta); err != nil {
		c.logger.Warn("applying config delta failed", zap.Error(err))
	}
}

// ApplyDelta reconciles added/removed/modified server names against merged,
// the freshly loaded config. Every affected server is handled independently
// and in parallel; failures are logged, not aggregated into a hard error.
func (c *Coordinator) ApplyDelta(ctx context.Context, merged *config.Merged, delta config.Delta) error {
	payload := events.ConfigChangedData{
		Added: delta.Added, Removed: delta.Removed, Modified: delta.Modified, Unchanged: delta.Unchanged,
	}
	c.bus.Publish(events.Event{Type: events.EventServersUpdating, Data: payload})
	defer c.bus.Publish(events.Event{Type: events.EventServersUpdated, Data: payload})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)

	for _, name := range delta.Added {
		name := name
		g.Go(func() error {
			srv := merged.Servers[name]
			c.mu.Lock()
			c.servers[name] = srv
			conn := connection.New(srv, c.bus, c.resolver, c.oauthMgr, c.logger)
			c.conns[name] = conn
			c.mu.Unlock()
			if err := conn.Connect(gctx); err != nil {
				c.logger.Warn("added server connect failed", zap.String("server", name), zap.Error(err))
			}
			return nil
		})
	}

	for _, name := range delta.Removed {
		name := name
		g.Go(func() error {
			conn := c.connectionByName(name)
			if conn == nil {
				return nil
			}
			if err := conn.Disconnect("removed from config"); err != nil {
				c.logger.Warn("removed server disconnect failed", zap.String("server", name), zap.Error(err))
			}
			c.mu.Lock()
			delete(c.conns, name)
			delete(c.servers, name)
			c.mu.Unlock()
			return nil
		})
	}

	for _, name := range delta.Modified {
		name := name
		g.Go(func() error {
			newCfg := merged.Servers[name]
			c.mu.Lock()
			oldCfg := c.servers[name]
			conn := c.conns[name]
			c.servers[name] = newCfg
			c.mu.Unlock()

			if conn == nil {
				return nil
			}

			if onlyDisabledChanged(oldCfg, newCfg) {
				conn.UpdateConfig(newCfg)
				if newCfg.Disabled {
					if err := conn.Disconnect("disabled via config"); err != nil {
						c.logger.Warn("disable failed", zap.String("server", name), zap.Error(err))
					}
				} else if err := conn.Connect(gctx); err != nil {
					c.logger.Warn("re-enable connect failed", zap.String("server", name), zap.Error(err))
				}
				return nil
			}

			if err := conn.Disconnect("config modified"); err != nil {
				c.logger.Warn("modified server disconnect failed", zap.String("server", name), zap.Error(err))
			}
			conn.UpdateConfig(newCfg)
			if err := conn.Connect(gctx); err != nil {
				c.logger.Warn("modified server reconnect failed", zap.String("server", name), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func onlyDisabledChanged(a, b *config.ServerConfig) bool {
	if a == nil || b == nil {
		return false
	}
	ac, bc := *a, *b
	ac.Disabled, bc.Disabled = false, false
	ac.ConfigSource, bc.ConfigSource = "", ""
	return fmt.Sprintf("%+v", ac) == fmt.Sprintf("%+v", bc)
}

func (c *Coordinator) connectionByName(name string) *connection.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[name]
}

// StartServer (re)connects the named server, clearing any disabled flag
// previously applied by StopServer(name, disable=true).
func (c *Coordinator) StartServer(ctx context.Context, name string) error {
	conn := c.connectionByName(name)
	if conn == nil {
		return apierrors.ServerNotFound(name)
	}

	c.mu.Lock()
	if srv, ok := c.servers[name]; ok && srv.Disabled {
		srv.Disabled = false
		conn.UpdateConfig(srv)
	}
	c.mu.Unlock()

	return conn.Connect(ctx)
}

// StopServer disconnects the named server. When disable is true the
// disabled flag is set on the server's in-memory config, which lasts until
// the next StartServer or until a config reload or Initialize reads the
// flag from the files again.
func (c *Coordinator) StopServer(name string, disable bool) error {
	conn := c.connectionByName(name)
	if conn == nil {
		return apierrors.ServerNotFound(name)
	}

	if disable {
		c.mu.Lock()
		if srv, ok := c.servers[name]; ok {
			srv.Disabled = true
			conn.UpdateConfig(srv)
		}
		c.mu.Unlock()
	}

	return conn.Disconnect("stopped via api")
}

// RefreshServer forces a capability re-fetch for one server.
func (c *Coordinator) RefreshServer(ctx context.Context, name string) error {
	conn := c.connectionByName(name)
	if conn == nil {
		return apierrors.ServerNotFound(name)
	}
	return conn.Refresh(ctx)
}

// RefreshAll forces a capability re-fetch for every connected server.
func (c *Coordinator) RefreshAll(ctx context.Context) {
	c.mu.RLock()
	conns := make([]*connection.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			if conn.State() != connection.StateConnected {
				return
			}
			if err := conn.Refresh(ctx); err != nil {
				c.logger.Warn("refresh failed", zap.String("server", conn.Name()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// CallTool delegates to the named connection's upstream client.
func (c *Coordinator) CallTool(ctx context.Context, serverName, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conn := c.connectionByName(serverName)
	if conn == nil {
		return nil, apierrors.ServerNotFound(serverName)
	}
	return conn.CallTool(ctx, tool, args)
}

// ReadResource delegates to the named connection's upstream client.
func (c *Coordinator) ReadResource(ctx context.Context, serverName, uri string) (*mcp.ReadResourceResult, error) {
	conn := c.connectionByName(serverName)
	if conn == nil {
		return nil, apierrors.ServerNotFound(serverName)
	}
	return conn.ReadResource(ctx, uri)
}

// GetPrompt delegates to the named connection's upstream client.
func (c *Coordinator) GetPrompt(ctx context.Context, serverName, prompt string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	conn := c.connectionByName(serverName)
	if conn == nil {
		return nil, apierrors.ServerNotFound(serverName)
	}
	return conn.GetPrompt(ctx, prompt, args)
}

// Authorize starts the OAuth dance for a server parked in unauthorized
// state, returning the authorization URL the caller should surface.
func (c *Coordinator) Authorize(name string) (string, error) {
	conn := c.connectionByName(name)
	if conn == nil {
		return "", apierrors.ServerNotFound(name)
	}
	url := conn.AuthorizationURL()
	if url == "" {
		return "", apierrors.AuthError("no_pending_authorization", fmt.Sprintf("server %q has no pending authorization", name))
	}
	return url, nil
}

// CompleteAuthorization finishes the OAuth dance identified by state/code
// for the given server and reconnects it.
func (c *Coordinator) CompleteAuthorization(ctx context.Context, serverName, state, code, clientID string) error {
	conn := c.connectionByName(serverName)
	if conn == nil {
		return apierrors.ServerNotFound(serverName)
	}
	return conn.CompleteAuthorization(ctx, state, code, clientID)
}

// Connections returns a snapshot slice of every tracked connection, used by
// the aggregator and the API layer to enumerate servers.
func (c *Coordinator) Connections() []*connection.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	return out
}

// Connection returns the named connection, or nil if unknown.
func (c *Coordinator) Connection(name string) *connection.Connection {
	return c.connectionByName(name)
}

// Restart reloads config and re-runs Initialize, without disturbing the
// bus's subscriber set or the HTTP listener.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.SetState(StateRestarting, "restart requested")

	c.mu.Lock()
	for name, conn := range c.conns {
		if err := conn.Disconnect("restart requested"); err != nil {
			c.logger.Warn("disconnect during restart failed", zap.String("server", name), zap.Error(err))
		}
	}
	c.conns = make(map[string]*connection.Connection)
	c.servers = make(map[string]*config.ServerConfig)
	c.mu.Unlock()

	if err := c.Initialize(ctx, false); err != nil {
		return err
	}
	c.SetState(StateRestarted, "restart complete")
	return nil
}
