package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever its file changes, until ctx is
// done. The directory is watched so that rename-on-save editors are seen.
// A reload that fails validation keeps the previous configuration.
func (cm *ConfigManager) Watch(ctx context.Context, debounce time.Duration) error {
	path := cm.Path()
	if path == "" {
		return fmt.Errorf("no config path set")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	cm.logger.Info("watching configuration", "path", path)
	go cm.watchLoop(ctx, watcher, filepath.Clean(path), debounce)
	return nil
}

func (cm *ConfigManager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, debounce time.Duration) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := cm.LoadConfig(path); err != nil {
				cm.logger.Error("config reload failed", "path", path, "error", err)
				return
			}
			cm.logger.Info("configuration reloaded", "path", path)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("file watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}
