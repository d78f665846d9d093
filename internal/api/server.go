// Package api implements the management HTTP API: server control, tool/
// resource/prompt invocation, OAuth callback handling, the SSE event
// stream, the workspace cache view, and the unified upstream MCP endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mcphub/internal/aggregator"
	"mcphub/internal/config"
	"mcphub/internal/events"
	"mcphub/internal/hub"
	"mcphub/internal/oauth"
	"mcphub/internal/workspace"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Server is the hub's HTTP surface: the management API, the OAuth
// callback routes, and the aggregated /mcp endpoint.
type Server struct {
	cfg         *config.Config
	coordinator *hub.Coordinator
	aggregator  *aggregator.Aggregator
	bus         *events.Bus
	registry    *workspace.Registry
	oauthMgr    *oauth.Manager
	logger      *zap.Logger

	httpServer *http.Server

	mu            sync.Mutex
	shutdownTimer *time.Timer
	shutdownCh    chan struct{}
	shutdownOnce  sync.Once
	clientCount   int
	workspacePort int
}

// triggerShutdown closes shutdownCh exactly once, safe to call from both
// the idle-auto-shutdown timer and the hard-restart handler.
func (s *Server) triggerShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// New builds the management API server. Call Start to listen.
func New(cfg *config.Config, coordinator *hub.Coordinator, agg *aggregator.Aggregator, bus *events.Bus, registry *workspace.Registry, oauthMgr *oauth.Manager, port int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:           cfg,
		coordinator:   coordinator,
		aggregator:    agg,
		bus:           bus,
		registry:      registry,
		oauthMgr:      oauthMgr,
		logger:        logger,
		shutdownCh:    make(chan struct{}),
		workspacePort: port,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/servers", s.handleServersList)
	mux.HandleFunc("/api/servers/info", s.handleServerInfo)
	mux.HandleFunc("/api/servers/start", s.handleServerStart)
	mux.HandleFunc("/api/servers/stop", s.handleServerStop)
	mux.HandleFunc("/api/servers/refresh", s.handleServerRefresh)
	mux.HandleFunc("/api/refresh", s.handleRefreshAll)
	mux.HandleFunc("/api/servers/tools", s.handleCallTool)
	mux.HandleFunc("/api/servers/resources", s.handleReadResource)
	mux.HandleFunc("/api/servers/prompts", s.handleGetPrompt)
	mux.HandleFunc("/api/servers/authorize", s.handleAuthorize)
	mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("/oauth/manual_callback", s.handleOAuthManualCallback)
	mux.HandleFunc("/api/restart", s.handleRestart)
	mux.HandleFunc("/api/hard-restart", s.handleHardRestart)
	mux.HandleFunc("/api/workspaces", s.handleWorkspaces)
	mux.HandleFunc("/api/events", s.handleEvents)

	mcpHandler := mcpserver.NewStreamableHTTPServer(s.aggregator.MCPServer())
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)

	return mux
}

// Start binds the listener and serves until the context is cancelled or
// ListenAndServe returns.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("management api listening", zap.String("addr", s.cfg.Listen))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	case <-s.shutdownCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the listener, for use by an external shutdown sequence
// (e.g. the shutdown coordinator). Safe to call even if Start is also
// racing to stop via its own context or the idle-auto-shutdown timer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.triggerShutdown()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestClientID returns an identifying string for the named OAuth
// client, derived from the server name until the hub supports per-server
// client registration.
func requestClientID(serverName string) string {
	return fmt.Sprintf("mcp-hub-%s", serverName)
}
