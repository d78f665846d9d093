// Package events implements the hub's internal publish/subscribe bus, the
// backing mechanism for the SSE fan-out exposed over the management API.
package events

import (
	"sync"
	"time"

	"mcphub/internal/config"
)

// EventType identifies the category of an Event, matching the SSE event
// names exposed over the management API.
type EventType string

const (
	// EventHeartbeat is emitted periodically on every open SSE stream to
	// keep intermediaries (proxies, load balancers) from closing it.
	EventHeartbeat EventType = "heartbeat"

	// EventHubState reports a change in the hub's overall lifecycle state
	// (starting/ready/restarting/restarted/stopping/stopped/error), strictly
	// advanced by the hub Coordinator.
	EventHubState EventType = "hub_state"

	// EventServerState reports a change in a single server connection's state.
	EventServerState EventType = "server_state"

	// EventLog carries a structured log line surfaced to subscribers.
	EventLog EventType = "log"

	// EventConfigChanged fires after every reload of a watched config file,
	// carrying the added/removed/modified/unchanged delta (which may be empty).
	EventConfigChanged EventType = "config_changed"

	// EventServersUpdating fires when a batch of servers begins
	// (re)connecting, e.g. in response to a config change or restart.
	EventServersUpdating EventType = "servers_updating"

	// EventServersUpdated fires once that batch has settled.
	EventServersUpdated EventType = "servers_updated"

	// EventToolListChanged fires when an upstream server reports that its
	// tool list changed.
	EventToolListChanged EventType = "tool_list_changed"

	// EventResourceListChanged fires when an upstream server reports that its
	// resource list changed.
	EventResourceListChanged EventType = "resource_list_changed"

	// EventPromptListChanged fires when an upstream server reports that its
	// prompt list changed.
	EventPromptListChanged EventType = "prompt_list_changed"

	// EventWorkspacesUpdated fires when the cross-process workspace cache changes.
	EventWorkspacesUpdated EventType = "workspaces_updated"
)

// HubStateData is the payload of an EventHubState event.
type HubStateData struct {
	State         string `json:"state"`
	PreviousState string `json:"previous_state,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ServerStateData is the payload of an EventServerState event.
type ServerStateData struct {
	ServerName string `json:"server_name"`
	OldState   string `json:"old_state"`
	NewState   string `json:"new_state"`
	Reason     string `json:"reason,omitempty"`
}

// LogData is the payload of an EventLog event.
type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Server  string `json:"server,omitempty"`
}

// ConfigChangedData is the payload of an EventConfigChanged event, and of
// the EventServersUpdating/EventServersUpdated events that bracket the
// coordinator reconciling that delta.
type ConfigChangedData struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Modified  []string `json:"modified,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// Event represents a single event published on the Bus.
type Event struct {
	Type       EventType   `json:"type"`
	ServerName string      `json:"server_name,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
}

// Bus is a thread-safe event bus for pub/sub messaging.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	closed      bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe subscribes to a specific event type and returns a channel for
// receiving events. The channel is buffered to prevent blocking publishers.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type currently known to the bus.
// Used by the SSE fan-out, which forwards every event to each client.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	for _, all := range []EventType{
		EventHeartbeat, EventHubState, EventServerState, EventLog, EventConfigChanged,
		EventServersUpdating, EventServersUpdated, EventToolListChanged,
		EventResourceListChanged, EventPromptListChanged, EventWorkspacesUpdated,
	} {
		b.subscribers[all] = append(b.subscribers[all], ch)
	}
	return ch
}

// Unsubscribe removes a subscription channel.
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, exists := b.subscribers[eventType]
	if !exists {
		return
	}

	for i, subscriber := range subscribers {
		if subscriber == ch {
			b.subscribers[eventType][i] = b.subscribers[eventType][len(b.subscribers[eventType])-1]
			b.subscribers[eventType] = b.subscribers[eventType][:len(b.subscribers[eventType])-1]
			break
		}
	}

	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// Publish publishes an event to all subscribers of that event type.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishBlocking publishes an event and blocks until all subscribers have
// received it. Use sparingly; a slow subscriber stalls every publisher.
func (b *Bus) PublishBlocking(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subscribers[event.Type] {
		ch <- event
	}
}

// Close closes the event bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	b.subscribers = make(map[EventType][]chan Event)
}

// SubscriberCount returns the number of subscribers for a specific event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// TotalSubscribers returns the total number of subscriber channels across
// all event types. A subscription from SubscribeAll counts once per type.
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, subscribers := range b.subscribers {
		total += len(subscribers)
	}
	return total
}

// IsClosed returns whether the bus has been closed.
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
