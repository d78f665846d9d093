// Command mcphub runs the MCP Hub: a coordinator process that connects to
// every configured upstream MCP server, aggregates their capabilities
// behind a single unified endpoint, and exposes a management HTTP API for
// controlling and observing those connections.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mcphub/internal/aggregator"
	"mcphub/internal/api"
	"mcphub/internal/config"
	"mcphub/internal/events"
	"mcphub/internal/hub"
	"mcphub/internal/logs"
	"mcphub/internal/oauth"
	"mcphub/internal/placeholder"
	"mcphub/internal/shutdown"
	"mcphub/internal/workspace"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cliFlags struct {
	port          int
	configPaths   []string
	watch         bool
	autoShutdown  bool
	shutdownDelay int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcphub",
		Short:         "MCP Hub: aggregate multiple MCP servers behind one endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.Flags().IntVar(&cliFlags.port, "port", 0, "listen port (required)")
	root.Flags().StringArrayVar(&cliFlags.configPaths, "config", nil, "path to a server config file (repeatable)")
	root.Flags().BoolVar(&cliFlags.watch, "watch", false, "watch config files for changes and reconcile live")
	root.Flags().BoolVar(&cliFlags.autoShutdown, "auto-shutdown", false, "shut down automatically once the last SSE client disconnects")
	root.Flags().IntVar(&cliFlags.shutdownDelay, "shutdown-delay", 0, "idle auto-shutdown delay in milliseconds")

	_ = root.MarkFlagRequired("port")
	_ = root.MarkFlagRequired("config")

	return root
}

func run(ctx context.Context) error {
	cfg := config.DefaultConfig()
	cfg.Listen = fmt.Sprintf(":%d", cliFlags.port)
	cfg.ConfigFiles = cliFlags.configPaths
	cfg.Watch = cliFlags.watch
	cfg.AutoShutdown = cliFlags.autoShutdown
	if cliFlags.shutdownDelay > 0 {
		cfg.ShutdownDelay = config.Duration(time.Duration(cliFlags.shutdownDelay) * time.Millisecond)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Logging.LogDir == "" {
		cfg.Logging.LogDir = filepath.Join(config.StateDir(), "logs")
	}

	logger, err := logs.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting mcp-hub", zap.Int("port", cliFlags.port), zap.Strings("config", cfg.ConfigFiles))

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	bus := events.NewBus()
	resolver := placeholder.NewResolver(cwd, cwd, logger)

	tokenStore, err := oauth.NewTokenStore(config.DataDir(), logger)
	if err != nil {
		return fmt.Errorf("initializing oauth token store: %w", err)
	}
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", cliFlags.port)
	oauthMgr := oauth.NewManager(tokenStore, redirectURI, logger)

	registry, err := workspace.NewRegistry(config.StateDir(), logger)
	if err != nil {
		return fmt.Errorf("initializing workspace cache: %w", err)
	}

	loader := config.NewLoader(cfg.ConfigFiles, logger)
	coordinator := hub.New(loader, bus, resolver, oauthMgr, cfg.MaxConcurrentConnections, logger)

	if err := coordinator.Initialize(ctx, cfg.Watch); err != nil {
		return fmt.Errorf("initializing hub coordinator: %w", err)
	}
	coordinator.SetState(hub.StateReady, "initialization complete")

	agg := aggregator.New(coordinator, bus, logger)
	agg.Start()

	server := api.New(cfg, coordinator, agg, bus, registry, oauthMgr, cliFlags.port, logger)

	if err := registerWorkspace(registry, cwd, cfg); err != nil {
		logger.Warn("failed to register workspace cache entry", zap.Error(err))
	}

	stopWorkspaceWatch, err := registry.Watch(func() {
		bus.Publish(events.Event{Type: events.EventWorkspacesUpdated})
	})
	if err != nil {
		logger.Warn("failed to start workspace cache watcher", zap.Error(err))
		stopWorkspaceWatch = func() {}
	}

	sc := shutdown.NewCoordinator(logger, 5*time.Second, 15*time.Second)
	sc.RegisterFunc("hub-state-stopping", shutdown.PhaseListeners, func(ctx context.Context) error {
		coordinator.SetState(hub.StateStopping, "shutdown requested")
		return nil
	})
	sc.Register(&shutdown.Handler{
		Name: "http-server", Phase: shutdown.PhaseListeners,
		Fn: func(ctx context.Context) error { return server.Shutdown(ctx) },
	})
	sc.RegisterFunc("aggregator", shutdown.PhaseWatchers, func(ctx context.Context) error {
		agg.Stop()
		return nil
	})
	sc.RegisterFunc("upstream-connections", shutdown.PhaseUpstreams, func(ctx context.Context) error {
		for _, conn := range coordinator.Connections() {
			_ = conn.Disconnect("hub shutting down")
		}
		return nil
	})
	sc.RegisterFunc("workspace-entry", shutdown.PhaseWorkspace, func(ctx context.Context) error {
		stopWorkspaceWatch()
		return unregisterWorkspace(registry, cliFlags.port)
	})
	sc.RegisterFunc("hub-state-stopped", shutdown.PhaseCleanup, func(ctx context.Context) error {
		coordinator.SetState(hub.StateStopped, "shutdown complete")
		return nil
	})
	sc.RegisterFunc("event-bus", shutdown.PhaseCleanup, func(ctx context.Context) error {
		bus.Close()
		return nil
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Start(runCtx) }()

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("management api server exited", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return sc.Shutdown(shutdownCtx)
}

func registerWorkspace(registry *workspace.Registry, cwd string, cfg *config.Config) error {
	return registry.Mutate(func(entries map[string]*workspace.Entry) error {
		entries[fmt.Sprintf("%d", cliFlags.port)] = &workspace.Entry{
			Cwd:         cwd,
			ConfigFiles: cfg.ConfigFiles,
			PID:         os.Getpid(),
			Port:        cliFlags.port,
			StartTime:   time.Now(),
			State:       workspace.StateActive,
		}
		return nil
	})
}

func unregisterWorkspace(registry *workspace.Registry, port int) error {
	return registry.Mutate(func(entries map[string]*workspace.Entry) error {
		delete(entries, fmt.Sprintf("%d", port))
		return nil
	})
}
