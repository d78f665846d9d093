package logs

import (
	"context"
	"testing"

	"mcphub/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommunicationLogger_Disabled(t *testing.T) {
	logger, err := NewCommunicationLogger(&config.LogConfig{
		Communication: &config.CommunicationLogConfig{Enabled: false},
	})
	require.NoError(t, err)
	assert.False(t, logger.IsEnabled())

	// Logging on a disabled logger must not panic even with a nil zap logger.
	logger.LogToolCall(context.Background(), "fs", "read_file", map[string]string{"path": "/tmp"}, nil, "req-1")
}

func TestNewCommunicationLogger_Enabled(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewCommunicationLogger(&config.LogConfig{
		Level:   LogLevelInfo,
		LogDir:  dir,
		MaxSize: 1,
		Communication: &config.CommunicationLogConfig{
			Enabled:         true,
			Filename:        "communication.log",
			LogToolCalls:    true,
			IncludePayload:  true,
			MaxPayloadSize:  1024,
			FilterSensitive: true,
		},
	})
	require.NoError(t, err)
	assert.True(t, logger.IsEnabled())

	logger.LogToolCall(context.Background(), "fs", "read_file", map[string]interface{}{
		"path":   "/tmp/x",
		"secret": "should be filtered",
	}, nil, "req-1")

	require.NoError(t, logger.Close())
}

func TestCommunicationLogger_FiltersSensitiveKeys(t *testing.T) {
	cl := &CommunicationLogger{
		enabled: true,
		config: &config.CommunicationLogConfig{
			FilterSensitive: true,
		},
	}
	cl.sensitive = sensitivePattern()

	filtered := cl.filterRecursive(map[string]interface{}{
		"api_key": "abc123",
		"nested":  map[string]interface{}{"password": "hunter2"},
		"safe":    "value",
	})

	m, ok := filtered.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "[FILTERED]", m["api_key"])
	assert.Equal(t, "value", m["safe"])

	nested, ok := m["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "[FILTERED]", nested["password"])
}
