package connection

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"mcphub/internal/config"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// devWatcher watches the directories that hold a stdio server's dev.watch
// patterns (rooted at dev.cwd; dev.cwd itself when no patterns are set) and
// triggers a restart once changes have settled: a debounce window after the
// last event, followed by a stability window that any new event cancels.
// Every write, create, rename or remove in a watched directory counts; file
// names are not matched against the patterns.
type devWatcher struct {
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	once     sync.Once
}

func (c *Connection) startDevWatch(resolved *config.ServerConfig) {
	c.stopDevWatch()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("failed to start dev watcher", zap.Error(err))
		return
	}

	dirs := devWatchDirs(resolved)
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			c.logger.Warn("failed to watch dev directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	dw := &devWatcher{watcher: watcher, stopChan: make(chan struct{})}

	c.mu.Lock()
	c.watch = dw
	c.mu.Unlock()

	go c.devWatchLoop(dw)
}

func devWatchDirs(resolved *config.ServerConfig) []string {
	if resolved.Dev == nil || resolved.Dev.Cwd == "" {
		return nil
	}
	if len(resolved.Dev.Watch) == 0 {
		return []string{resolved.Dev.Cwd}
	}

	seen := make(map[string]struct{})
	var dirs []string
	for _, pattern := range resolved.Dev.Watch {
		dir := filepath.Dir(filepath.Join(resolved.Dev.Cwd, pattern))
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func (c *Connection) devWatchLoop(dw *devWatcher) {
	var mu sync.Mutex
	var timer *time.Timer
	var stabilityTimer *time.Timer

	restart := func() {
		c.logger.Info("dev watcher detected stable change, restarting")
		ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
		defer cancel()
		if err := c.RestartPreservingWatcher(ctx); err != nil {
			c.logger.Warn("dev-mode restart failed", zap.Error(err))
		}
	}

	scheduleStability := func() {
		mu.Lock()
		defer mu.Unlock()
		if stabilityTimer != nil {
			stabilityTimer.Stop()
		}
		stabilityTimer = time.AfterFunc(config.DevWatchStability, restart)
	}

	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			if stabilityTimer != nil {
				stabilityTimer.Stop()
			}
			timer = time.AfterFunc(config.DevWatchDebounce, scheduleStability)
			mu.Unlock()

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("dev watcher error", zap.Error(err))

		case <-dw.stopChan:
			return
		}
	}
}

func (c *Connection) stopDevWatch() {
	c.mu.Lock()
	dw := c.watch
	c.watch = nil
	c.mu.Unlock()

	if dw == nil {
		return
	}
	dw.once.Do(func() {
		close(dw.stopChan)
		_ = dw.watcher.Close()
	})
}
