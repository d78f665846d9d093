package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(zap.NewNop(), time.Second, 2*time.Second)
}

func TestNewCoordinator(t *testing.T) {
	c := newTestCoordinator()
	if c == nil {
		t.Fatal("NewCoordinator returned nil")
	}
	if c.HandlerCount() != 0 {
		t.Errorf("expected 0 handlers, got %d", c.HandlerCount())
	}
	if c.IsShuttingDown() {
		t.Error("expected IsShuttingDown to be false initially")
	}
}

func TestRegisterHandler(t *testing.T) {
	c := newTestCoordinator()
	c.RegisterFunc("stop-listeners", PhaseListeners, func(ctx context.Context) error { return nil })

	if c.HandlerCount() != 1 {
		t.Errorf("expected 1 handler, got %d", c.HandlerCount())
	}
	handlers := c.PhaseHandlers(PhaseListeners)
	if len(handlers) != 1 || handlers[0] != "stop-listeners" {
		t.Errorf("expected [stop-listeners], got %v", handlers)
	}
}

func TestRegisterMultipleHandlers_PriorityOrder(t *testing.T) {
	c := newTestCoordinator()
	c.Register(&Handler{Name: "low", Phase: PhaseUpstreams, Priority: 1, Fn: func(ctx context.Context) error { return nil }})
	c.Register(&Handler{Name: "high", Phase: PhaseUpstreams, Priority: 10, Fn: func(ctx context.Context) error { return nil }})

	handlers := c.PhaseHandlers(PhaseUpstreams)
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(handlers))
	}
	if handlers[0] != "high" {
		t.Errorf("expected high-priority handler first, got %s", handlers[0])
	}
}

func TestShutdownExecutesHandlers(t *testing.T) {
	c := newTestCoordinator()
	var executed atomic.Int32

	c.RegisterFunc("disconnect-upstreams", PhaseUpstreams, func(ctx context.Context) error {
		executed.Add(1)
		return nil
	})
	c.RegisterFunc("remove-workspace-entry", PhaseWorkspace, func(ctx context.Context) error {
		executed.Add(1)
		return nil
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
	if executed.Load() != 2 {
		t.Errorf("expected 2 handlers executed, got %d", executed.Load())
	}
	if !c.IsShuttingDown() {
		t.Error("expected IsShuttingDown to be true after shutdown")
	}
}

func TestShutdownPhasesInOrder(t *testing.T) {
	c := newTestCoordinator()
	var order []Phase

	record := func(p Phase) { order = append(order, p) }
	c.RegisterFunc("listeners", PhaseListeners, func(ctx context.Context) error { record(PhaseListeners); return nil })
	c.RegisterFunc("upstreams", PhaseUpstreams, func(ctx context.Context) error { record(PhaseUpstreams); return nil })
	c.RegisterFunc("watchers", PhaseWatchers, func(ctx context.Context) error { record(PhaseWatchers); return nil })
	c.RegisterFunc("workspace", PhaseWorkspace, func(ctx context.Context) error { record(PhaseWorkspace); return nil })
	c.RegisterFunc("cleanup", PhaseCleanup, func(ctx context.Context) error { record(PhaseCleanup); return nil })

	_ = c.Shutdown(context.Background())

	expected := []Phase{PhaseListeners, PhaseUpstreams, PhaseWatchers, PhaseWorkspace, PhaseCleanup}
	if len(order) != len(expected) {
		t.Fatalf("expected %d phases, got %d", len(expected), len(order))
	}
	for i, p := range expected {
		if order[i] != p {
			t.Errorf("phase %d: expected %s, got %s", i, p, order[i])
		}
	}
}

func TestShutdownHandlerError(t *testing.T) {
	c := newTestCoordinator()
	expectedErr := errors.New("handler error")

	c.RegisterFunc("failing", PhaseListeners, func(ctx context.Context) error { return expectedErr })
	c.RegisterFunc("succeeding", PhaseUpstreams, func(ctx context.Context) error { return nil })

	err := c.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected error from shutdown")
	}
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected error to wrap %v, got %v", expectedErr, err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := newTestCoordinator()
	var calls atomic.Int32
	c.RegisterFunc("once", PhaseCleanup, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	first := c.Shutdown(context.Background())
	second := c.Shutdown(context.Background())

	if first != second {
		t.Errorf("expected the same result from both calls, got %v and %v", first, second)
	}
	if calls.Load() != 1 {
		t.Errorf("expected handler to run exactly once, got %d", calls.Load())
	}
}
