// Package shutdown provides coordinated shutdown management for the hub:
// ordered phases so the HTTP listener stops accepting work before upstream
// connections are torn down, before the workspace cache entry is removed.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Phase represents a shutdown phase with ordered execution.
type Phase int

const (
	// PhaseListeners stops accepting new HTTP/SSE/MCP connections.
	PhaseListeners Phase = iota
	// PhaseUpstreams disconnects every upstream server connection.
	PhaseUpstreams
	// PhaseWatchers stops config/workspace file watchers and timers.
	PhaseWatchers
	// PhaseWorkspace removes this instance's workspace cache entry.
	PhaseWorkspace
	// PhaseCleanup runs final cleanup (closing loggers, etc).
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhaseListeners:
		return "Listeners"
	case PhaseUpstreams:
		return "Upstreams"
	case PhaseWatchers:
		return "Watchers"
	case PhaseWorkspace:
		return "Workspace"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Func performs shutdown work, given a context bounding how long it may run.
type Func func(ctx context.Context) error

// Handler is a registered shutdown action.
type Handler struct {
	Name     string
	Phase    Phase
	Priority int // higher runs first within the same phase
	Fn       Func
	Timeout  time.Duration // 0 = coordinator default
}

// Progress reports one handler's outcome as the sequence executes.
type Progress struct {
	Phase     Phase
	Handler   string
	Completed bool
	Error     error
	Duration  time.Duration
}

// Coordinator runs registered shutdown handlers in phase order, each
// within its own timeout, tolerating individual handler failures so the
// rest of the sequence still runs.
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[Phase][]*Handler
	logger   *zap.Logger

	shutdownOnce   sync.Once
	shutdownDone   chan struct{}
	shutdownErr    error
	isShuttingDown atomic.Bool

	defaultTimeout time.Duration
	totalTimeout   time.Duration

	progressCh chan Progress
}

// NewCoordinator builds a Coordinator. defaultTimeout bounds any handler
// that doesn't set its own; totalTimeout bounds the entire sequence.
func NewCoordinator(logger *zap.Logger, defaultTimeout, totalTimeout time.Duration) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		handlers:       make(map[Phase][]*Handler),
		logger:         logger.Named("shutdown"),
		shutdownDone:   make(chan struct{}),
		defaultTimeout: defaultTimeout,
		totalTimeout:   totalTimeout,
		progressCh:     make(chan Progress, 32),
	}
}

// Register adds a shutdown handler.
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Timeout == 0 {
		h.Timeout = c.defaultTimeout
	}

	c.handlers[h.Phase] = append(c.handlers[h.Phase], h)

	handlers := c.handlers[h.Phase]
	for i := len(handlers) - 1; i > 0; i-- {
		if handlers[i].Priority > handlers[i-1].Priority {
			handlers[i], handlers[i-1] = handlers[i-1], handlers[i]
		}
	}

	c.logger.Debug("registered shutdown handler",
		zap.String("name", h.Name), zap.String("phase", h.Phase.String()))
}

// RegisterFunc is a convenience wrapper around Register for a plain Func.
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn Func) {
	c.Register(&Handler{Name: name, Phase: phase, Fn: fn})
}

// IsShuttingDown reports whether Shutdown has been invoked.
func (c *Coordinator) IsShuttingDown() bool {
	return c.isShuttingDown.Load()
}

// Done returns a channel closed once the shutdown sequence has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownDone
}

// Progress returns a channel of per-handler outcomes, for a CLI to render
// shutdown progress. Closed when Shutdown completes.
func (c *Coordinator) Progress() <-chan Progress {
	return c.progressCh
}

// HandlerCount returns the total number of registered handlers, across
// every phase.
func (c *Coordinator) HandlerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, handlers := range c.handlers {
		count += len(handlers)
	}
	return count
}

// PhaseHandlers returns the names of handlers registered for phase, in
// registration (priority-sorted) order.
func (c *Coordinator) PhaseHandlers(phase Phase) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for _, h := range c.handlers[phase] {
		names = append(names, h.Name)
	}
	return names
}

// Shutdown runs every registered handler in phase order. Safe to call more
// than once; only the first call executes, and its result is returned to
// every caller.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.isShuttingDown.Store(true)
		c.shutdownErr = c.executeShutdown(ctx)
		close(c.shutdownDone)
		close(c.progressCh)
	})
	return c.shutdownErr
}

func (c *Coordinator) executeShutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown")
	start := time.Now()

	shutdownCtx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	var allErrors []error
	phases := []Phase{PhaseListeners, PhaseUpstreams, PhaseWatchers, PhaseWorkspace, PhaseCleanup}

	for _, phase := range phases {
		if err := c.executePhase(shutdownCtx, phase); err != nil {
			allErrors = append(allErrors, fmt.Errorf("phase %s: %w", phase, err))
		}
		if shutdownCtx.Err() != nil {
			c.logger.Warn("shutdown timeout reached, aborting remaining phases", zap.Duration("elapsed", time.Since(start)))
			allErrors = append(allErrors, fmt.Errorf("shutdown timeout: %w", shutdownCtx.Err()))
			break
		}
	}

	duration := time.Since(start)
	if len(allErrors) > 0 {
		c.logger.Warn("shutdown completed with errors", zap.Duration("duration", duration), zap.Int("error_count", len(allErrors)))
		return errors.Join(allErrors...)
	}
	c.logger.Info("shutdown completed", zap.Duration("duration", duration))
	return nil
}

func (c *Coordinator) executePhase(ctx context.Context, phase Phase) error {
	c.mu.RLock()
	handlers := make([]*Handler, len(c.handlers[phase]))
	copy(handlers, c.handlers[phase])
	c.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	c.logger.Info("executing shutdown phase", zap.String("phase", phase.String()), zap.Int("handlers", len(handlers)))

	var phaseErrors []error
	for _, h := range handlers {
		if err := c.executeHandler(ctx, h); err != nil {
			phaseErrors = append(phaseErrors, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	if len(phaseErrors) > 0 {
		return errors.Join(phaseErrors...)
	}
	return nil
}

func (c *Coordinator) executeHandler(ctx context.Context, h *Handler) error {
	start := time.Now()
	handlerCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Fn(handlerCtx) }()

	var err error
	select {
	case err = <-errCh:
	case <-handlerCtx.Done():
		err = fmt.Errorf("handler timeout after %v", h.Timeout)
	}

	duration := time.Since(start)
	select {
	case c.progressCh <- Progress{Phase: h.Phase, Handler: h.Name, Completed: err == nil, Error: err, Duration: duration}:
	default:
	}

	if err != nil {
		c.logger.Warn("shutdown handler failed", zap.String("name", h.Name), zap.Error(err))
		return err
	}
	c.logger.Debug("shutdown handler completed", zap.String("name", h.Name), zap.Duration("duration", duration))
	return nil
}
