package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Merged is the result of loading and merging one or more server config files.
type Merged struct {
	Servers map[string]*ServerConfig
}

// rawDocument mirrors the on-disk shape, accepting either of the two
// root-key spellings in use across MCP client configs.
type rawDocument struct {
	MCPServers map[string]*ServerConfig `json:"mcpServers"`
	Servers    map[string]*ServerConfig `json:"servers"`
}

// Load reads each path in order and merges the resulting server maps,
// later files overriding earlier ones by server name. Each file may use
// either JSON or JSON-with-comments/trailing-commas (JSONC). A path that
// does not exist is skipped.
func Load(paths []string) (*Merged, error) {
	merged := &Merged{Servers: make(map[string]*ServerConfig)}

	for _, path := range paths {
		servers, err := loadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		for name, srv := range servers {
			merged.Servers[name] = srv
		}
	}

	return merged, nil
}

func loadFile(path string) (map[string]*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	clean := stripJSONC(data)

	var doc rawDocument
	if err := json.Unmarshal(clean, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	servers := doc.MCPServers
	if servers == nil {
		servers = doc.Servers
	}

	for name, srv := range servers {
		if srv.Name == "" {
			srv.Name = name
		}
		srv.ConfigSource = path
	}

	return servers, nil
}

// stripJSONC removes "//" and "/* */" comments that lie outside of string
// literals, and trailing commas before a closing '}' or ']', so the result
// is parseable by encoding/json.
func stripJSONC(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out.WriteByte(c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			i--
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		default:
			out.WriteByte(c)
		}
	}

	return stripTrailingCommas(out.Bytes())
}

func stripTrailingCommas(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}

		if c == ',' {
			j := i + 1
			for j < len(data) && (data[j] == ' ' || data[j] == '\t' || data[j] == '\n' || data[j] == '\r') {
				j++
			}
			if j < len(data) && (data[j] == '}' || data[j] == ']') {
				continue
			}
		}

		out.WriteByte(c)
	}

	return out.Bytes()
}

// Delta describes the difference between two server maps, categorized by
// name: newly present, removed, present in both but changed, or identical.
type Delta struct {
	Added     []string
	Removed   []string
	Modified  []string
	Unchanged []string
}

// IsEmpty reports whether the delta has no added, removed, or modified names.
func (d Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff compares two server config maps and classifies every name.
func Diff(oldServers, newServers map[string]*ServerConfig) Delta {
	var delta Delta

	for name, newCfg := range newServers {
		oldCfg, existed := oldServers[name]
		if !existed {
			delta.Added = append(delta.Added, name)
			continue
		}
		if serverConfigEqual(oldCfg, newCfg) {
			delta.Unchanged = append(delta.Unchanged, name)
		} else {
			delta.Modified = append(delta.Modified, name)
		}
	}

	for name := range oldServers {
		if _, stillPresent := newServers[name]; !stillPresent {
			delta.Removed = append(delta.Removed, name)
		}
	}

	return delta
}

func serverConfigEqual(a, b *ServerConfig) bool {
	ac, bc := *a, *b
	ac.ConfigSource = ""
	bc.ConfigSource = ""
	return reflect.DeepEqual(ac, bc)
}

// Loader owns the ordered list of config files, the last successfully
// loaded Merged result, and an optional background file watcher.
type Loader struct {
	mu       sync.Mutex
	paths    []string
	merged   *Merged
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopChan chan struct{}

	debounce time.Duration
}

// NewLoader creates a loader over an ordered list of config file paths.
func NewLoader(paths []string, logger *zap.Logger) *Loader {
	return &Loader{
		paths:    paths,
		logger:   logger,
		stopChan: make(chan struct{}),
		debounce: ConfigWatchDebounce,
	}
}

// Load loads and merges all configured files.
func (l *Loader) Load() (*Merged, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged, err := Load(l.paths)
	if err != nil {
		return nil, err
	}
	l.merged = merged
	return merged, nil
}

// GetMerged returns the most recently loaded result (thread-safe).
func (l *Loader) GetMerged() *Merged {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.merged
}

// StartWatching watches the directories containing the configured files
// (fsnotify has directory, not file, granularity on most platforms) and
// invokes onChange with the reloaded Merged and the computed Delta after
// each debounced write, create, rename or remove of a configured file; the
// Delta is empty when the reload found no server differences.
func (l *Loader) StartWatching(onChange func(*Merged, Delta)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	l.watcher = watcher

	dirs := make(map[string]struct{})
	for _, p := range l.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go l.watchLoop(onChange)

	l.logger.Info("started watching config files", zap.Strings("paths", l.paths))
	return nil
}

func (l *Loader) watchLoop(onChange func(*Merged, Delta)) {
	var timer *time.Timer
	reload := func() {
		l.mu.Lock()
		oldServers := map[string]*ServerConfig{}
		if l.merged != nil {
			oldServers = l.merged.Servers
		}
		l.mu.Unlock()

		merged, err := Load(l.paths)
		if err != nil {
			l.logger.Error("failed to reload config", zap.Error(err))
			return
		}

		delta := Diff(oldServers, merged.Servers)

		l.mu.Lock()
		l.merged = merged
		l.mu.Unlock()

		if !delta.IsEmpty() {
			l.logger.Info("config changed",
				zap.Strings("added", delta.Added),
				zap.Strings("removed", delta.Removed),
				zap.Strings("modified", delta.Modified))
		}
		onChange(merged, delta)
	}

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !l.watchesPath(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("config file watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

func (l *Loader) watchesPath(name string) bool {
	for _, p := range l.paths {
		if filepath.Clean(p) == filepath.Clean(name) {
			return true
		}
	}
	return false
}

// Stop stops the background watcher, if running.
func (l *Loader) Stop() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stopChan)
	return l.watcher.Close()
}
