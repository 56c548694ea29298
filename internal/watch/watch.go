// Package watch re-parses note files as they change on disk.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 300 * time.Millisecond

// Indexer is the part of the block index the watcher drives.
type Indexer interface {
	ParseFile(path string) (int, error)
	RemoveFile(path string)
}

// Stats counts what the watcher has done since Start.
type Stats struct {
	Parsed  int
	Removed int
	Errors  int
}

// Watcher debounces filesystem events per path and applies them to the index
// from a single goroutine, so parses of one file never overlap.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	index    Indexer
	dirs     []string
	pattern  string
	log      *zap.Logger
	pending  map[string]time.Time
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stats    Stats
}

func New(dirs []string, pattern string, index Indexer, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pattern == "" {
		pattern = "*.md"
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		index:    index,
		dirs:     dirs,
		pattern:  pattern,
		log:      logger.Named("watch"),
		pending:  make(map[string]time.Time),
		debounce: defaultDebounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches every note directory and its subdirectories. It returns
// once the watches are registered; events are handled until Stop or ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range w.dirs {
		if err := w.addTree(dir); err != nil {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			_ = w.watcher.Close()
			return err
		}
	}
	go w.run(ctx)
	return nil
}

// Stop ends event handling and releases the watches. Pending events are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.log.Warn("closing watcher", zap.Error(err))
	}
}

func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.log.Debug("watching", zap.String("dir", path))
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 3
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Warn("watching new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}
	if ok, _ := filepath.Match(w.pattern, filepath.Base(ev.Name)); !ok {
		return
	}
	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	now := time.Now()
	var due []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range due {
		w.apply(path)
	}
}

// apply looks at the file as it is now rather than at the event that queued it.
func (w *Watcher) apply(path string) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		w.index.RemoveFile(path)
		w.log.Debug("note removed", zap.String("file", path))
		w.mu.Lock()
		w.stats.Removed++
		w.mu.Unlock()
		return
	}
	n, err := w.index.ParseFile(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.log.Warn("re-parse failed", zap.String("file", path), zap.Error(err))
		w.stats.Errors++
		return
	}
	w.log.Debug("note re-parsed", zap.String("file", path), zap.Int("blocks", n))
	w.stats.Parsed++
}
