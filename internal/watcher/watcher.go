// Package watcher reloads configuration files when they change on disk.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const changeOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watcher calls onChange for a file after writes to it settle.
// It watches parent directories since editors replace files by rename and
// fsnotify cannot watch a path that does not exist yet.
type Watcher struct {
	targets  map[string]func() // cleaned path -> callback
	parents  map[string]struct{}
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
	debounce time.Duration
	timers   map[string]*time.Timer
}

// New creates a Watcher with no targets.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		targets:  make(map[string]func()),
		parents:  make(map[string]struct{}),
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: 200 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// SetDebounce overrides the settle delay. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Watch registers onChange for path.
func (w *Watcher) Watch(path string, onChange func()) {
	path = filepath.Clean(path)
	w.mu.Lock()
	w.targets[path] = onChange
	w.parents[filepath.Dir(path)] = struct{}{}
	running := w.running
	w.mu.Unlock()

	if running {
		w.addWatch(filepath.Dir(path))
	}
}

// Start begins watching the registered targets.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	parents := make([]string, 0, len(w.parents))
	for p := range w.parents {
		parents = append(parents, p)
	}
	w.mu.Unlock()

	for _, p := range parents {
		w.addWatch(p)
	}

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
	w.cancel()
	for _, t := range w.timers {
		t.Stop()
	}
	return w.watcher.Close()
}

func (w *Watcher) addWatch(dir string) {
	if _, err := os.Stat(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to add config watch")
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to add config watch")
	}
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&changeOps == 0 {
				continue
			}
			w.schedule(filepath.Clean(event.Name))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule (re)arms the debounce timer for a watched path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fn, ok := w.targets[path]
	if !ok || !w.running {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		log.Info().Str("path", path).Msg("Config file changed, reloading")
		fn()
	})
}
