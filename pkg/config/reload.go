package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forja/forja/pkg/logger"
)

// ReloadCallback receives a freshly loaded, validated config or the error
// that prevented it. The previous config stays in force on error.
type ReloadCallback func(*Config, error)

// ReloadManager watches the config file and reloads it on change
type ReloadManager struct {
	manager        *Manager
	configPath     string
	logger         logger.Logger
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	lastModTime    time.Time
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	mu             sync.RWMutex
	cancel         context.CancelFunc
	done           chan struct{}
	isWatching     bool
}

// NewReloadManager creates a reload manager for configPath
func NewReloadManager(manager *Manager, configPath string, log logger.Logger) *ReloadManager {
	return &ReloadManager{
		manager:        manager,
		configPath:     configPath,
		logger:         log,
		debouncePeriod: 500 * time.Millisecond,
	}
}

// AddCallback adds a reload callback
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// SetDebouncePeriod sets how long events settle before a reload
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debouncePeriod = period
}

// StartWatching watches the config file's directory until ctx is done or
// StopWatching is called. Editors replace files by rename, so the directory
// is watched rather than the file.
func (rm *ReloadManager) StartWatching(ctx context.Context) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isWatching {
		return errors.New("already watching configuration file")
	}
	if rm.configPath == "" {
		return errors.New("no configuration file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(rm.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if stat, err := os.Stat(rm.configPath); err == nil {
		rm.lastModTime = stat.ModTime()
	}

	ctx, rm.cancel = context.WithCancel(ctx)
	rm.watcher = watcher
	rm.done = make(chan struct{})
	rm.isWatching = true
	go rm.watchLoop(ctx, watcher, rm.done)

	rm.logger.Debug("Watching configuration file", logger.WithField("path", rm.configPath))
	return nil
}

// StopWatching stops the watcher and waits for its loop to exit
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	if !rm.isWatching {
		rm.mu.Unlock()
		return nil
	}
	rm.isWatching = false
	rm.cancel()
	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
		rm.debounceTimer = nil
	}
	watcher, done := rm.watcher, rm.done
	rm.watcher = nil
	rm.mu.Unlock()

	err := watcher.Close()
	<-done
	return err
}

// IsWatching returns whether the manager is currently watching
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.isWatching
}

// TriggerReload reloads immediately, even if the file looks unchanged
func (rm *ReloadManager) TriggerReload() {
	rm.reload(true)
}

func (rm *ReloadManager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			rm.logger.Error("Configuration watcher panic recovered", logger.WithField("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(rm.configPath) &&
				!strings.HasPrefix(filepath.Base(event.Name), filepath.Base(rm.configPath)+".") {
				continue
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove {
				rm.notify(nil, fmt.Errorf("configuration file was removed: %s", rm.configPath))
				continue
			}
			rm.debounceReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Error("Configuration file watcher error", logger.WithError(err))
			rm.notify(nil, err)
		}
	}
}

func (rm *ReloadManager) debounceReload() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.isWatching {
		return
	}
	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
	}
	rm.debounceTimer = time.AfterFunc(rm.debouncePeriod, func() { rm.reload(false) })
}

func (rm *ReloadManager) reload(force bool) {
	stat, err := os.Stat(rm.configPath)
	if err != nil {
		rm.notify(nil, err)
		return
	}

	rm.mu.Lock()
	if !force && !stat.ModTime().After(rm.lastModTime) {
		rm.mu.Unlock()
		return
	}
	rm.lastModTime = stat.ModTime()
	rm.mu.Unlock()

	cfg, err := rm.manager.Load(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to reload configuration, keeping previous", logger.WithError(err))
		rm.notify(nil, err)
		return
	}
	rm.logger.Info("Configuration reloaded", logger.WithField("path", rm.configPath))
	rm.notify(cfg, nil)
}

func (rm *ReloadManager) notify(cfg *Config, err error) {
	rm.mu.RLock()
	callbacks := make([]ReloadCallback, len(rm.callbacks))
	copy(callbacks, rm.callbacks)
	rm.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}()
	}
}
