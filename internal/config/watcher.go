package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 500 * time.Millisecond

// Watcher hot reloads a configuration file. Rapid consecutive writes are
// debounced; a reload that fails validation keeps the previous config and
// logs the error.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)
}

// NewWatcher loads the file once and starts watching it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsWatcher.Add(path); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}
	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fsWatcher,
		stopCh:  make(chan struct{}),
		current: initial,
	}
	go w.loop()
	return w, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback fired after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
