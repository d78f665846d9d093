package workspace

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_MutateAndEntries(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)

	err = reg.Mutate(func(entries map[string]*Entry) error {
		entries["8080"] = &Entry{
			Cwd:       "/workspace",
			PID:       os.Getpid(),
			Port:      8080,
			StartTime: time.Now(),
			State:     StateActive,
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := reg.Entries()
	require.NoError(t, err)
	require.Contains(t, entries, "8080")
	assert.Equal(t, 8080, entries["8080"].Port)
}

func TestRegistry_PrunesDeadProcesses(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)

	err = reg.Mutate(func(entries map[string]*Entry) error {
		entries["9090"] = &Entry{PID: 999999999, Port: 9090, State: StateActive}
		return nil
	})
	require.NoError(t, err)

	entries, err := reg.Entries()
	require.NoError(t, err)
	assert.NotContains(t, entries, "9090")
}

func TestRegistry_ConcurrentMutate(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		port := 8000 + i
		go func(p int) {
			done <- reg.Mutate(func(entries map[string]*Entry) error {
				entries[itoa(p)] = &Entry{PID: os.Getpid(), Port: p, State: StateActive}
				return nil
			})
		}(port)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, <-done)
	}

	entries, err := reg.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
