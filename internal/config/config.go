package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultListen = ":8080"

	// NamespaceSeparator prefixes every aggregated capability name with its
	// owning server name, e.g. "github__create_issue".
	NamespaceSeparator = "__"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the hub's process-level configuration, bound from CLI
// flags (cobra/viper) rather than from the per-server JSON documents.
type Config struct {
	Listen                   string   `json:"listen" mapstructure:"listen"`
	DataDir                  string   `json:"data_dir" mapstructure:"data-dir"`
	ConfigFiles              []string `json:"config_files" mapstructure:"config"`
	Watch                    bool     `json:"watch" mapstructure:"watch"`
	AutoShutdown             bool     `json:"auto_shutdown" mapstructure:"auto-shutdown"`
	ShutdownDelay            Duration `json:"shutdown_delay" mapstructure:"shutdown-delay"`
	MaxConcurrentConnections int      `json:"max_concurrent_connections" mapstructure:"max-concurrent-connections"`
	CallToolTimeout          Duration `json:"call_tool_timeout" mapstructure:"call-tool-timeout"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string                  `json:"level" mapstructure:"level"`
	EnableFile    bool                    `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool                    `json:"enable_console" mapstructure:"enable-console"`
	Filename      string                  `json:"filename" mapstructure:"filename"`
	LogDir        string                  `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int                     `json:"max_size" mapstructure:"max-size"`
	MaxBackups    int                     `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int                     `json:"max_age" mapstructure:"max-age"`
	Compress      bool                    `json:"compress" mapstructure:"compress"`
	JSONFormat    bool                    `json:"json_format" mapstructure:"json-format"`
	Communication *CommunicationLogConfig `json:"communication,omitempty" mapstructure:"communication"`
}

// CommunicationLogConfig controls optional per-server wire-level logging.
type CommunicationLogConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Filename        string `json:"filename" mapstructure:"filename"`
	LogRequests     bool   `json:"log_requests" mapstructure:"log-requests"`
	LogResponses    bool   `json:"log_responses" mapstructure:"log-responses"`
	LogToolCalls    bool   `json:"log_tool_calls" mapstructure:"log-tool-calls"`
	LogErrors       bool   `json:"log_errors" mapstructure:"log-errors"`
	IncludePayload  bool   `json:"include_payload" mapstructure:"include-payload"`
	MaxPayloadSize  int    `json:"max_payload_size" mapstructure:"max-payload-size"`
	IncludeHeaders  bool   `json:"include_headers" mapstructure:"include-headers"`
	FilterSensitive bool   `json:"filter_sensitive" mapstructure:"filter-sensitive"`
}

// DefaultCommunicationLogConfig returns default communication logging configuration
func DefaultCommunicationLogConfig() *CommunicationLogConfig {
	return &CommunicationLogConfig{
		Enabled:         false,
		Filename:        "communication.log",
		LogRequests:     true,
		LogResponses:    true,
		LogToolCalls:    true,
		LogErrors:       true,
		IncludePayload:  true,
		MaxPayloadSize:  10240,
		IncludeHeaders:  false,
		FilterSensitive: true,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:                   defaultListen,
		MaxConcurrentConnections: 8,
		ShutdownDelay:            Duration(DefaultAutoShutdownDelay),
		CallToolTimeout:          Duration(2 * time.Minute),
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "mcp-hub.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			Communication: DefaultCommunicationLogConfig(),
		},
	}
}

// Validate validates the configuration, filling in defaults for unset fields.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = 8
	}
	if c.CallToolTimeout.Duration() <= 0 {
		c.CallToolTimeout = Duration(2 * time.Minute)
	}
	if c.Logging == nil {
		c.Logging = DefaultConfig().Logging
	}
	if c.Logging.Communication == nil {
		c.Logging.Communication = DefaultCommunicationLogConfig()
	}
	if c.Logging.Communication.MaxPayloadSize < 0 {
		c.Logging.Communication.MaxPayloadSize = 10240
	}
	if c.Logging.Communication.Filename == "" {
		c.Logging.Communication.Filename = "communication.log"
	}
	return nil
}

// TransportType is the wire mechanism used to reach an upstream server.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportStreamableHTTP TransportType = "streamable-http"
	TransportSSE            TransportType = "sse"
)

// DevConfig enables hot-restart-on-file-change for a stdio server.
type DevConfig struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Watch   []string `json:"watch,omitempty" mapstructure:"watch"`
	Cwd     string   `json:"cwd" mapstructure:"cwd"`
}

// ServerConfig represents one upstream MCP server's declarative configuration.
type ServerConfig struct {
	Name     string            `json:"name,omitempty" mapstructure:"name"`
	Command  string            `json:"command,omitempty" mapstructure:"command"`
	Args     []string          `json:"args,omitempty" mapstructure:"args"`
	Env      map[string]string `json:"env,omitempty" mapstructure:"env"`
	Cwd      string            `json:"cwd,omitempty" mapstructure:"cwd"`
	URL      string            `json:"url,omitempty" mapstructure:"url"`
	Headers  map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Disabled bool              `json:"disabled,omitempty" mapstructure:"disabled"`
	Dev      *DevConfig        `json:"dev,omitempty" mapstructure:"dev"`

	// ConfigSource is the originating file path. Set exclusively by the
	// loader; never read from the JSON document itself.
	ConfigSource string `json:"-"`
}

// IsRemote reports whether this server is reached over the network.
func (s *ServerConfig) IsRemote() bool {
	return s.URL != ""
}

// TransportType reports the configured transport discriminant. Remote
// servers prefer streamable-HTTP; the connection layer falls back to SSE.
func (s *ServerConfig) TransportType() TransportType {
	if s.IsRemote() {
		return TransportStreamableHTTP
	}
	return TransportStdio
}

// Validate checks the per-server invariants.
func (s *ServerConfig) Validate() error {
	hasCommand := s.Command != ""
	hasURL := s.URL != ""

	if hasCommand == hasURL {
		return fmt.Errorf("server %q: exactly one of command or url must be set", s.Name)
	}

	if s.Dev != nil {
		if hasURL {
			return fmt.Errorf("server %q: dev config is not allowed on remote servers", s.Name)
		}
		if s.Dev.Cwd == "" {
			return fmt.Errorf("server %q: dev.cwd is required", s.Name)
		}
		if !isAbsolutePath(s.Dev.Cwd) {
			return fmt.Errorf("server %q: dev.cwd must be absolute, got %q", s.Name, s.Dev.Cwd)
		}
	}

	return nil
}

func isAbsolutePath(p string) bool {
	if p == "" {
		return false
	}
	if p[0] == '/' {
		return true
	}
	if len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/') {
		return true
	}
	return false
}

// Clone returns a deep copy. Used before placeholder resolution so the
// original, unresolved config is never mutated in place.
func (s *ServerConfig) Clone() *ServerConfig {
	clone := *s
	clone.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		clone.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			clone.Env[k] = v
		}
	}
	if s.Headers != nil {
		clone.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			clone.Headers[k] = v
		}
	}
	if s.Dev != nil {
		dev := *s.Dev
		dev.Watch = append([]string(nil), s.Dev.Watch...)
		clone.Dev = &dev
	}
	return &clone
}
