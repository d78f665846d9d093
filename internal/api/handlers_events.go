package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcphub/internal/config"
	"mcphub/internal/events"
)

const sseHeartbeatInterval = config.SSEHeartbeatInterval

// handleEvents serves GET /api/events: a Server-Sent Events stream of
// every bus event, preceded immediately by the current hub_state so a
// fresh subscriber doesn't have to wait for the next transition.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeValidationError(w, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	connID := uuid.New().String()
	openedAt := time.Now()
	sub := s.bus.SubscribeAll()
	defer unsubscribeAll(s.bus, sub)

	clientCount := s.clientConnected(connID)
	s.logger.Debug("sse client connected", zap.String("conn_id", connID), zap.Int("clients", clientCount))

	writeSSE(w, flusher, events.Event{
		Type:      events.EventHubState,
		Timestamp: openedAt,
		Data:      events.HubStateData{State: string(s.coordinator.State()), Reason: "subscribed"},
	})

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.clientDisconnected(connID)
			return
		case <-heartbeat.C:
			writeSSE(w, flusher, events.Event{
				Type:      events.EventHeartbeat,
				Timestamp: time.Now(),
				Data:      map[string]int{"connections": s.clientCountSnapshot()},
			})
		case ev, ok := <-sub:
			if !ok {
				s.clientDisconnected(connID)
				return
			}
			writeSSE(w, flusher, ev)
		}
	}
}

// unsubscribeAll removes sub from every event type SubscribeAll registered
// it under.
func unsubscribeAll(bus *events.Bus, sub <-chan events.Event) {
	for _, eventType := range []events.EventType{
		events.EventHeartbeat, events.EventHubState, events.EventServerState, events.EventLog, events.EventConfigChanged,
		events.EventServersUpdating, events.EventServersUpdated, events.EventToolListChanged,
		events.EventResourceListChanged, events.EventPromptListChanged, events.EventWorkspacesUpdated,
	} {
		bus.Unsubscribe(eventType, sub)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev events.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// clientConnected records a new SSE subscriber and cancels any pending
// idle-auto-shutdown timer. Returns the new client count.
func (s *Server) clientConnected(_ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientCount++
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
		s.shutdownTimer = nil
	}
	return s.clientCount
}

// clientDisconnected drops a subscriber and, when the configured
// auto-shutdown policy is active and no subscribers remain, arms the
// graceful-shutdown timer.
func (s *Server) clientDisconnected(_ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientCount > 0 {
		s.clientCount--
	}
	if s.clientCount > 0 || !s.cfg.AutoShutdown {
		return
	}
	delay := s.cfg.ShutdownDelay.Duration()
	s.shutdownTimer = time.AfterFunc(delay, func() {
		s.logger.Info("idle auto-shutdown timer fired, shutting down")
		s.triggerShutdown()
	})
}

func (s *Server) clientCountSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCount
}
