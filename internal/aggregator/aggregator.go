// Package aggregator implements the Unified Upstream Endpoint: a single MCP
// server surface, namespaced "{serverName}__{capabilityName}", that
// re-exposes every connected upstream server's tools, resources, and
// prompts and keeps them in sync as connections come and go.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"mcphub/internal/config"
	"mcphub/internal/connection"
	"mcphub/internal/events"
	"mcphub/internal/hub"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const (
	serverName    = "mcp-hub"
	serverVersion = "1.0.0"
)

// Aggregator owns the aggregated mcp-go server and rebuilds its exposed
// capability set whenever the coordinator's connections change.
type Aggregator struct {
	coordinator *hub.Coordinator
	bus         *events.Bus
	logger      *zap.Logger

	mu        sync.RWMutex
	mcpServer *mcpserver.MCPServer

	// activeTools/activeResources/activePrompts/activeResourceTemplates track
	// currently-registered exposed names so a rebuild can compute and
	// remove what disappeared.
	activeTools             map[string]struct{}
	activeResources         map[string]struct{}
	activePrompts           map[string]struct{}
	activeResourceTemplates map[string]struct{}

	stopChan chan struct{}
	once     sync.Once
}

// New builds an Aggregator and its backing mcp-go server. Call Start to
// subscribe to change events and perform the first capability build.
func New(coordinator *hub.Coordinator, bus *events.Bus, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	mcpSrv := mcpserver.NewMCPServer(
		serverName,
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
	)
	return &Aggregator{
		coordinator:             coordinator,
		bus:                     bus,
		logger:                  logger,
		mcpServer:               mcpSrv,
		activeTools:             make(map[string]struct{}),
		activeResources:         make(map[string]struct{}),
		activePrompts:           make(map[string]struct{}),
		activeResourceTemplates: make(map[string]struct{}),
		stopChan:                make(chan struct{}),
	}
}

// MCPServer returns the aggregated mcp-go server, e.g. to mount it behind
// server.NewStreamableHTTPServer at /mcp.
func (a *Aggregator) MCPServer() *mcpserver.MCPServer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mcpServer
}

// Start performs an initial rebuild and subscribes to capability-changed
// events so the aggregated surface stays current.
func (a *Aggregator) Start() {
	a.Rebuild()
	go a.watchChanges()
}

// Stop unsubscribes from the event bus.
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.stopChan) })
}

func (a *Aggregator) watchChanges() {
	sub := a.bus.Subscribe(events.EventToolListChanged)
	resSub := a.bus.Subscribe(events.EventResourceListChanged)
	promptSub := a.bus.Subscribe(events.EventPromptListChanged)
	updatedSub := a.bus.Subscribe(events.EventServersUpdated)

	defer a.bus.Unsubscribe(events.EventToolListChanged, sub)
	defer a.bus.Unsubscribe(events.EventResourceListChanged, resSub)
	defer a.bus.Unsubscribe(events.EventPromptListChanged, promptSub)
	defer a.bus.Unsubscribe(events.EventServersUpdated, updatedSub)

	for {
		select {
		case <-sub:
			a.Rebuild()
		case <-resSub:
			a.Rebuild()
		case <-promptSub:
			a.Rebuild()
		case <-updatedSub:
			a.Rebuild()
		case <-a.stopChan:
			return
		}
	}
}

// Rebuild recomputes the exposed tool/resource/prompt set from every
// connected upstream connection, adding new items and removing ones that
// disappeared. Safe to call concurrently; rebuilds are serialized.
func (a *Aggregator) Rebuild() {
	a.mu.Lock()
	defer a.mu.Unlock()

	var tools []mcpserver.ServerTool
	var resources []mcpserver.ServerResource
	var prompts []mcpserver.ServerPrompt
	type newTemplate struct {
		template mcp.ResourceTemplate
		handler  func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error)
	}
	var resourceTemplates []newTemplate

	newToolNames := make(map[string]struct{})
	newResourceNames := make(map[string]struct{})
	newPromptNames := make(map[string]struct{})
	newResourceTemplateNames := make(map[string]struct{})

	for _, conn := range a.coordinator.Connections() {
		if conn.State() != connection.StateConnected {
			continue
		}
		name := conn.Name()

		for _, t := range conn.Tools() {
			exposed := namespacedName(name, t.Name)
			newToolNames[exposed] = struct{}{}
			if _, already := a.activeTools[exposed]; already {
				continue
			}
			localTool, localName := t, t.Name
			tools = append(tools, mcpserver.ServerTool{
				Tool:    withName(localTool, exposed),
				Handler: a.toolHandler(name, localName),
			})
		}

		for _, r := range conn.Resources() {
			exposed := r.URI
			newResourceNames[exposed] = struct{}{}
			if _, already := a.activeResources[exposed]; already {
				continue
			}
			resources = append(resources, mcpserver.ServerResource{
				Resource: r,
				Handler:  a.resourceHandler(name, exposed),
			})
		}

		for _, rt := range conn.ResourceTemplates() {
			exposed := rt.URITemplate
			newResourceTemplateNames[exposed] = struct{}{}
			if _, already := a.activeResourceTemplates[exposed]; already {
				continue
			}
			resourceTemplates = append(resourceTemplates, newTemplate{
				template: rt,
				handler:  a.templateHandler(name, exposed),
			})
		}

		for _, p := range conn.Prompts() {
			exposed := namespacedName(name, p.Name)
			newPromptNames[exposed] = struct{}{}
			if _, already := a.activePrompts[exposed]; already {
				continue
			}
			localName := p.Name
			prompts = append(prompts, mcpserver.ServerPrompt{
				Prompt:  withPromptName(p, exposed),
				Handler: a.promptHandler(name, localName),
			})
		}
	}

	removedTools := diffRemoved(a.activeTools, newToolNames)
	removedResources := diffRemoved(a.activeResources, newResourceNames)
	removedPrompts := diffRemoved(a.activePrompts, newPromptNames)
	removedTemplates := diffRemoved(a.activeResourceTemplates, newResourceTemplateNames)

	if len(removedTools) > 0 {
		a.mcpServer.DeleteTools(removedTools...)
	}
	if len(removedPrompts) > 0 {
		a.mcpServer.DeletePrompts(removedPrompts...)
	}
	for _, uri := range removedResources {
		a.mcpServer.RemoveResource(uri)
	}
	if len(removedTemplates) > 0 {
		a.mcpServer.RemoveResourceTemplates(removedTemplates...)
	}

	if len(tools) > 0 {
		a.mcpServer.AddTools(tools...)
	}
	if len(resources) > 0 {
		a.mcpServer.AddResources(resources...)
	}
	if len(prompts) > 0 {
		a.mcpServer.AddPrompts(prompts...)
	}
	for _, t := range resourceTemplates {
		a.mcpServer.AddResourceTemplate(t.template, t.handler)
	}

	a.activeTools = newToolNames
	a.activeResources = newResourceNames
	a.activePrompts = newPromptNames
	a.activeResourceTemplates = newResourceTemplateNames

	a.logger.Debug("aggregator rebuilt capabilities",
		zap.Int("tools", len(newToolNames)),
		zap.Int("resources", len(newResourceNames)),
		zap.Int("prompts", len(newPromptNames)),
		zap.Int("resource_templates", len(newResourceTemplateNames)))
}

func diffRemoved(old, current map[string]struct{}) []string {
	var removed []string
	for name := range old {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	return removed
}

func namespacedName(serverName, name string) string {
	return serverName + config.NamespaceSeparator + name
}

// splitNamespaced splits an exposed capability name into its owning server
// and the upstream-local name, per the fixed "__" separator.
func splitNamespaced(exposed string) (server, local string, ok bool) {
	return strings.Cut(exposed, config.NamespaceSeparator)
}

func withName(t mcp.Tool, name string) mcp.Tool {
	t.Name = name
	return t
}

func withPromptName(p mcp.Prompt, name string) mcp.Prompt {
	p.Name = name
	return p
}

func (a *Aggregator) toolHandler(serverName, toolName string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := make(map[string]interface{})
		if m, ok := req.Params.Arguments.(map[string]interface{}); ok {
			args = m
		}
		result, err := a.coordinator.CallTool(ctx, serverName, toolName, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return result, nil
	}
}

func (a *Aggregator) resourceHandler(serverName, uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := a.coordinator.ReadResource(ctx, serverName, uri)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

// templateHandler resolves a concrete URI matching uriTemplate through the
// same ReadResource path as a static resource.
func (a *Aggregator) templateHandler(serverName, uriTemplate string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := a.coordinator.ReadResource(ctx, serverName, req.Params.URI)
		if err != nil {
			return nil, err
		}
		return result.Contents, nil
	}
}

func (a *Aggregator) promptHandler(serverName, promptName string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]interface{})
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		return a.coordinator.GetPrompt(ctx, serverName, promptName, args)
	}
}

// RouteDownstreamCall resolves an aggregated capability name into its
// owning server and upstream-local name. Used by API handlers that accept
// a namespaced name directly (rather than a separate server_name field).
func RouteDownstreamCall(exposed string) (server, local string, err error) {
	server, local, ok := splitNamespaced(exposed)
	if !ok {
		return "", "", fmt.Errorf("%q is not a namespaced capability name", exposed)
	}
	return server, local, nil
}
