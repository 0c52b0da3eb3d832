package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RoutingWatcher hot-reloads the agent routing YAML when the file changes.
// Routing updates are rare and idempotent; last write wins.
type RoutingWatcher struct {
	path    string
	apply   func(data []byte) error
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	logger  *zap.Logger
}

// NewRoutingWatcher loads path once via apply and then watches it for changes.
func NewRoutingWatcher(path string, apply func(data []byte) error, logger *zap.Logger) (*RoutingWatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent routing file: %w", err)
	}
	if err := apply(data); err != nil {
		return nil, fmt.Errorf("apply agent routing file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory: editors often replace the file atomically.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch routing directory: %w", err)
	}

	rw := &RoutingWatcher{
		path:    path,
		apply:   apply,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	go rw.loop()
	return rw, nil
}

func (rw *RoutingWatcher) loop() {
	for {
		select {
		case <-rw.stopCh:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(rw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Brief delay to ride out rapid successive writes.
			time.Sleep(50 * time.Millisecond)
			data, err := os.ReadFile(rw.path)
			if err != nil {
				rw.logger.Error("Failed to re-read routing file", zap.Error(err))
				continue
			}
			if err := rw.apply(data); err != nil {
				rw.logger.Error("Failed to apply routing update", zap.Error(err))
				continue
			}
			rw.logger.Info("Agent routing reloaded", zap.String("path", rw.path))
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Error("Routing watcher error", zap.Error(err))
		}
	}
}

// Stop stops watching.
func (rw *RoutingWatcher) Stop() {
	close(rw.stopCh)
	_ = rw.watcher.Close()
}
