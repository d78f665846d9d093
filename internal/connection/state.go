// Package connection implements the per-server state machine: connect
// (with transport fallback and OAuth), fetch capabilities, subscribe to
// notifications, reconnect, disconnect, and dev-mode restart.
package connection

import (
	"fmt"
	"sync"
	"time"

	"mcphub/internal/events"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// State is one connection's runtime lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnauthorized State = "unauthorized"
	StateDisabled     State = "disabled"
)

func (s State) String() string { return string(s) }

var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateDisabled},
	StateConnecting:   {StateConnected, StateUnauthorized, StateDisconnected, StateDisabled},
	StateConnected:    {StateDisconnected, StateUnauthorized, StateDisabled},
	StateUnauthorized: {StateConnecting, StateDisconnected, StateDisabled},
	StateDisabled:     {StateDisconnected},
}

// ValidateTransition reports whether moving from `from` to `to` is legal.
func ValidateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q", from)
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// Info is a point-in-time snapshot of one connection's state, returned by
// the /api/servers and /api/servers/info endpoints.
type Info struct {
	ServerName        string    `json:"server_name"`
	State             State     `json:"state"`
	ServerVersion     string    `json:"server_version,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	AuthorizationURL  string    `json:"authorization_url,omitempty"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
	RetryCount        int       `json:"retry_count"`
	LastRetryTime     time.Time `json:"last_retry_time,omitempty"`
	ToolCount             int `json:"tool_count"`
	ResourceCount         int `json:"resource_count"`
	PromptCount           int `json:"prompt_count"`
	ResourceTemplateCount int `json:"resource_template_count"`
}

// stateMachine owns the mutable state for one Connection, separate from
// transport/capability bookkeeping so Connection itself reads cleanly.
type stateMachine struct {
	mu sync.RWMutex

	serverName string
	current    State

	serverVersion    string
	lastError        error
	authorizationURL string
	connectedAt      time.Time
	retryCount       int
	lastRetryTime    time.Time

	tools             []mcp.Tool
	resources         []mcp.Resource
	prompts           []mcp.Prompt
	resourceTemplates []mcp.ResourceTemplate

	bus    *events.Bus
	logger *zap.Logger
}

func newStateMachine(serverName string, bus *events.Bus, logger *zap.Logger) *stateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &stateMachine{
		serverName: serverName,
		current:    StateDisconnected,
		bus:        bus,
		logger:     logger,
	}
}

func (m *stateMachine) transition(to State, reason string) {
	m.mu.Lock()
	from := m.current

	if err := ValidateTransition(from, to); err != nil {
		m.logger.Warn("rejected connection state transition",
			zap.String("server", m.serverName), zap.String("from", from.String()), zap.String("to", to.String()), zap.Error(err))
		m.mu.Unlock()
		return
	}

	m.current = to
	switch to {
	case StateConnected:
		m.connectedAt = time.Now()
		m.lastError = nil
		m.retryCount = 0
		m.authorizationURL = ""
	case StateDisconnected, StateUnauthorized:
		m.retryCount++
		m.lastRetryTime = time.Now()
	}
	m.mu.Unlock()

	m.logger.Info("connection state transition",
		zap.String("server", m.serverName), zap.String("from", from.String()), zap.String("to", to.String()), zap.String("reason", reason))

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventServerState,
			ServerName: m.serverName,
			Data:       events.ServerStateData{ServerName: m.serverName, OldState: from.String(), NewState: to.String(), Reason: reason},
		})
	}
}

func (m *stateMachine) setError(err error) {
	m.mu.Lock()
	m.lastError = err
	m.mu.Unlock()
}

func (m *stateMachine) setServerInfo(name, version string) {
	m.mu.Lock()
	m.serverVersion = version
	m.mu.Unlock()
}

func (m *stateMachine) setAuthorizationURL(url string) {
	m.mu.Lock()
	m.authorizationURL = url
	m.mu.Unlock()
}

func (m *stateMachine) setCapabilities(tools []mcp.Tool, resources []mcp.Resource, prompts []mcp.Prompt, resourceTemplates []mcp.ResourceTemplate) {
	m.mu.Lock()
	m.tools = tools
	m.resources = resources
	m.prompts = prompts
	m.resourceTemplates = resourceTemplates
	m.mu.Unlock()
}

// hasTool reports whether name is present in the last-fetched tool list.
func (m *stateMachine) hasTool(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// hasPrompt reports whether name is present in the last-fetched prompt list.
func (m *stateMachine) hasPrompt(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.prompts {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *stateMachine) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := Info{
		ServerName:       m.serverName,
		State:            m.current,
		ServerVersion:    m.serverVersion,
		AuthorizationURL: m.authorizationURL,
		ConnectedAt:      m.connectedAt,
		RetryCount:       m.retryCount,
		LastRetryTime:    m.lastRetryTime,
		ToolCount:             len(m.tools),
		ResourceCount:         len(m.resources),
		PromptCount:           len(m.prompts),
		ResourceTemplateCount: len(m.resourceTemplates),
	}
	if m.lastError != nil {
		info.LastError = m.lastError.Error()
	}
	return info
}

// backoffDuration returns the exponential backoff for the given retry
// count, capped at 5 minutes, matching the teacher's own retry schedule.
func backoffDuration(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	n := retryCount - 1
	if n > 30 {
		n = 30
	}
	d := time.Duration(1<<uint(n)) * time.Second
	const max = 5 * time.Minute
	if d > max {
		return max
	}
	return d
}
