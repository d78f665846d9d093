// Package config provides configuration types and utilities for the hub.
package config

import "time"

// Connection Timeouts
const (
	// ConnectTimeout bounds a single connect attempt (dial + initialize).
	ConnectTimeout = 5 * time.Minute

	// CommandExecTimeout bounds a single ${cmd: ...} placeholder execution.
	CommandExecTimeout = 30 * time.Second

	// SessionTerminationTimeout bounds a graceful MCP session shutdown.
	SessionTerminationTimeout = 5 * time.Second
)

// Dev Mode Watcher
const (
	// DevWatchDebounce coalesces bursts of filesystem events before restart.
	DevWatchDebounce = 500 * time.Millisecond

	// DevWatchStability is the additional quiet window required, on top of
	// DevWatchDebounce, before a restart is triggered.
	DevWatchStability = 100 * time.Millisecond
)

// Config File Watcher
const (
	// ConfigWatchDebounce coalesces bursts of config file writes.
	ConfigWatchDebounce = 250 * time.Millisecond
)

// OAuth Backoff Intervals (escalating after repeated authorization failures)
const (
	OAuthBackoffLevel1 = 5 * time.Minute
	OAuthBackoffLevel2 = 15 * time.Minute
	OAuthBackoffLevel3 = 1 * time.Hour
	OAuthBackoffLevel4 = 4 * time.Hour
	OAuthBackoffMax    = 24 * time.Hour
)

// Workspace Cache Lock
const (
	// LockInitialBackoff is the starting delay between lock acquisition retries.
	LockInitialBackoff = 100 * time.Millisecond

	// LockMaxBackoff caps the exponential backoff between retries.
	LockMaxBackoff = 2 * time.Second

	// LockStaleThreshold is how old a lock file's modification time must be
	// before a waiting process reclaims it.
	LockStaleThreshold = 30 * time.Second

	// LockMaxRetryDepth bounds the number of stale-reclamation attempts.
	LockMaxRetryDepth = 3
)

// Event Bus Buffer Sizes
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions.
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all events.
	EventChannelBufferSizeAll = 500
)

// SSE Fan-out
const (
	// SSEHeartbeatInterval is how often a heartbeat event is sent to idle subscribers.
	SSEHeartbeatInterval = 30 * time.Second

	// DefaultAutoShutdownDelay is how long the hub waits with zero subscribers
	// before shutting down, when --auto-shutdown is enabled.
	DefaultAutoShutdownDelay = 5 * time.Minute
)
