package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watcherDebounce = 500 * time.Millisecond

// Watcher monitors the YAML config file and triggers reloads, so policy
// swaps do not need a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu          sync.RWMutex
	callbacks   []func(*File)
	running     bool
	lastModTime time.Time

	stopCh chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:    path,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// AddCallback adds a callback invoked with the freshly parsed config after
// each change.
func (w *Watcher) AddCallback(callback func(*File)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The containing directory is watched too, so
// editors that replace the file on save still trigger a reload.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher is already running")
	}

	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			// Debounce rapid file changes
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watcherDebounce, w.handleChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("Config watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) handleChange() {
	stat, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	callbacks := make([]func(*File), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	f, err := LoadFile(w.path)
	if err != nil {
		logrus.Errorf("Failed to reload configuration: %v", err)
		return
	}
	logrus.Infof("Config reloaded, active policy %q", f.Policy.Name)
	for _, callback := range callbacks {
		callback(f)
	}
}
