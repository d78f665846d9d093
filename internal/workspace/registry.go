// Package workspace implements the cross-process workspace cache: a JSON
// file, keyed by listening port, shared by every hub instance running on
// one host, guarded by an advisory file lock.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mcphub/internal/config"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// State is a WorkspaceEntry's lifecycle phase.
type State string

const (
	StateActive        State = "active"
	StateShuttingDown   State = "shutting_down"
)

// Entry describes one running hub instance, keyed by its listening port.
type Entry struct {
	Cwd               string    `json:"cwd"`
	ConfigFiles       []string  `json:"config_files"`
	PID               int       `json:"pid"`
	Port              int       `json:"port"`
	StartTime         time.Time `json:"start_time"`
	State             State     `json:"state"`
	ActiveConnections int       `json:"active_connections"`
	ShutdownStartedAt time.Time `json:"shutdown_started_at,omitempty"`
	ShutdownDelay     config.Duration `json:"shutdown_delay,omitempty"`
}

// document is the on-disk shape: entries keyed by their string port.
type document struct {
	Entries map[string]*Entry `json:"entries"`
}

// Registry owns the JSON cache file and its advisory lock file, both
// under the directory passed to NewRegistry (main passes config.StateDir()).
type Registry struct {
	path     string
	lockPath string
	logger   *zap.Logger
}

// NewRegistry builds a Registry rooted at dir (e.g. "<state>/mcp-hub").
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace cache dir: %w", err)
	}
	return &Registry{
		path:     filepath.Join(dir, "workspaces.json"),
		lockPath: filepath.Join(dir, "workspaces.lock"),
		logger:   logger,
	}, nil
}

// Mutate is the registry's single write entry point: it acquires the
// advisory lock (with exponential backoff and stale-lock reclamation),
// loads the current document, prunes dead processes, calls fn, and
// atomically persists the result.
func (r *Registry) Mutate(fn func(entries map[string]*Entry) error) error {
	release, err := r.acquireLock()
	if err != nil {
		return fmt.Errorf("acquiring workspace cache lock: %w", err)
	}
	defer release()

	doc, err := r.load()
	if err != nil {
		return err
	}

	r.pruneDead(doc.Entries)

	if err := fn(doc.Entries); err != nil {
		return err
	}

	return r.save(doc)
}

// Entries returns a snapshot of the current entries, after pruning dead
// processes, without mutating the file.
func (r *Registry) Entries() (map[string]*Entry, error) {
	release, err := r.acquireLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring workspace cache lock: %w", err)
	}
	defer release()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	r.pruneDead(doc.Entries)
	return doc.Entries, nil
}

func (r *Registry) load() (*document, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &document{Entries: make(map[string]*Entry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspace cache: %w", err)
	}
	if len(data) == 0 {
		return &document{Entries: make(map[string]*Entry)}, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing workspace cache: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]*Entry)
	}
	return &doc, nil
}

// save writes the document via temp-file-then-rename, so readers never
// observe a partially written file.
func (r *Registry) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling workspace cache: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing workspace cache temp file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming workspace cache: %w", err)
	}
	return nil
}

// pruneDead removes any entry whose PID is no longer alive.
func (r *Registry) pruneDead(entries map[string]*Entry) {
	for port, entry := range entries {
		if !processAlive(entry.PID) {
			r.logger.Info("pruning dead workspace entry",
				zap.String("port", port), zap.Int("pid", entry.PID))
			delete(entries, port)
		}
	}
}

// acquireLock takes the advisory file lock with exponential backoff,
// reclaiming it (removing the lock file) when the lock file's modification
// time is older than LockStaleThreshold, at most LockMaxRetryDepth times.
// The liveness of the process holding the lock is not checked.
func (r *Registry) acquireLock() (release func(), err error) {
	fl := flock.New(r.lockPath)

	backoff := config.LockInitialBackoff
	deadline := time.Now().Add(config.LockStaleThreshold * time.Duration(config.LockMaxRetryDepth))
	reclaims := 0

	for attempt := 0; ; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, err
		}
		if locked {
			return func() { _ = fl.Unlock() }, nil
		}

		if reclaims < config.LockMaxRetryDepth && r.isStale() {
			reclaims++
			r.logger.Warn("reclaiming stale workspace cache lock", zap.String("path", r.lockPath))
			_ = os.Remove(r.lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for workspace cache lock after %d attempts", attempt+1)
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > config.LockMaxBackoff {
			backoff = config.LockMaxBackoff
		}
	}
}

func (r *Registry) isStale() bool {
	info, err := os.Stat(r.lockPath)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > config.LockStaleThreshold
}

// Watch starts a background fsnotify watcher on the cache file's directory
// and invokes onChange whenever the cache file itself is written, renamed,
// or created (covering both in-place writes and temp-file-then-rename
// saves from another process). It returns a stop function.
func (r *Registry) Watch(onChange func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating workspace cache watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching workspace cache dir: %w", err)
	}

	stopChan := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				onChange()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-stopChan:
				return
			}
		}
	}()

	return func() {
		close(stopChan)
		_ = watcher.Close()
	}, nil
}
