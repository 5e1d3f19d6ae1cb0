// Package watcher detects transcript file changes under a root directory
// tree. It prefers OS notification via fsnotify and falls back to polling;
// rapid writes to one file are debounced into a single change event.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a watch event.
type EventKind int

const (
	Added EventKind = iota
	Changed
	Removed
	WatchError
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	case WatchError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one file change notification. Err is set for WatchError only.
type Event struct {
	Kind EventKind
	Path string
	Err  error
}

// Options configures a Watcher.
type Options struct {
	Root         string
	Extension    string        // transcript extension, e.g. ".jsonl"
	Debounce     time.Duration // stability window for rapid writes
	PollInterval time.Duration // fallback scan interval
	ForcePoll    bool          // skip fsnotify entirely
	Logger       *slog.Logger
}

// Watcher watches a directory tree and emits debounced change events.
type Watcher struct {
	opts   Options
	logger *slog.Logger

	fsw    *fsnotify.Watcher
	events chan Event

	mu          sync.Mutex
	debouncers  map[string]func(func())
	watchedDirs map[string]bool
	known       map[string]fileState // for the polling scan

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	stopMu  sync.RWMutex
	stopped bool
}

type fileState struct {
	size  int64
	mtime time.Time
}

// New returns an unstarted Watcher.
func New(opts Options) *Watcher {
	if opts.Extension == "" {
		opts.Extension = ".jsonl"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		opts:        opts,
		logger:      logger.With("component", "watcher"),
		events:      make(chan Event, 1024),
		debouncers:  make(map[string]func(func())),
		watchedDirs: make(map[string]bool),
		known:       make(map[string]fileState),
	}
}

// Events returns the event stream. Closed after Stop.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start begins watching the root tree. The initial scan emits Added for
// every existing transcript file so stored offsets are reconciled at
// startup. A persistently unwatchable root is a startup error.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.opts.Root); err != nil {
		return fmt.Errorf("watch root: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	usePoll := w.opts.ForcePoll
	if !usePoll {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
			usePoll = true
		} else {
			w.fsw = fsw
		}
	}

	// Initial sweep: register directories and report existing files.
	if err := w.scanTree(runCtx, true); err != nil {
		cancel()
		if w.fsw != nil {
			w.fsw.Close()
		}
		return fmt.Errorf("initial scan: %w", err)
	}

	if usePoll {
		w.wg.Add(1)
		go w.pollLoop(runCtx)
	} else {
		w.wg.Add(1)
		go w.notifyLoop(runCtx)
	}
	return nil
}

// Stop shuts the watcher down gracefully: in-flight debounce callbacks are
// allowed their stability window to fire, then emit is fenced off before
// the event channel closes so a straggler cannot send on it. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.fsw != nil {
			w.fsw.Close()
		}
		w.wg.Wait()
		time.Sleep(w.opts.Debounce + 10*time.Millisecond)

		w.stopMu.Lock()
		w.stopped = true
		w.stopMu.Unlock()
		close(w.events)
	})
}

// =============================================================================
// NOTIFICATION LOOP (fsnotify)
// =============================================================================

func (w *Watcher) notifyLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleNotify(ctx, event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
			w.emit(ctx, Event{Kind: WatchError, Err: err})
		}
	}
}

func (w *Watcher) handleNotify(ctx context.Context, event fsnotify.Event) {
	path := event.Name

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			// Created and removed before we could look; next event wins.
			return
		}
		if info.IsDir() {
			// New project directory: watch it and report its files.
			if err := w.watchDir(path); err != nil {
				w.emit(ctx, Event{Kind: WatchError, Path: path, Err: err})
				return
			}
			w.scanDir(ctx, path)
			return
		}
		if !w.isTranscript(path) {
			return
		}
		w.rememberFile(path, info)
		w.emit(ctx, Event{Kind: Added, Path: path})

	case event.Has(fsnotify.Write):
		if !w.isTranscript(path) {
			return
		}
		w.debounced(path, func() {
			w.emit(ctx, Event{Kind: Changed, Path: path})
		})

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if w.forgetDir(path) {
			return
		}
		if !w.isTranscript(path) {
			return
		}
		w.forgetFile(path)
		w.emit(ctx, Event{Kind: Removed, Path: path})
	}
}

// debounced coalesces rapid writes to one path into a single callback once
// the stability window has passed.
func (w *Watcher) debounced(path string, fn func()) {
	w.mu.Lock()
	d, ok := w.debouncers[path]
	if !ok {
		d = debounce.New(w.opts.Debounce)
		w.debouncers[path] = d
	}
	w.mu.Unlock()
	d(fn)
}

// =============================================================================
// POLLING FALLBACK
// =============================================================================

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.scanTree(ctx, false); err != nil {
				w.logger.Warn("poll scan failed", "error", err)
				w.emit(ctx, Event{Kind: WatchError, Err: err})
			}
		}
	}
}

// scanTree walks the root, registering directories and diffing file state
// against the last scan. With initial=true every existing file is reported
// as Added; afterwards only size/mtime changes produce events.
func (w *Watcher) scanTree(ctx context.Context, initial bool) error {
	seen := make(map[string]bool)

	err := filepath.WalkDir(w.opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Permission problems on one entry must not abort the walk.
			w.emit(ctx, Event{Kind: WatchError, Path: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if werr := w.watchDir(path); werr != nil {
				w.emit(ctx, Event{Kind: WatchError, Path: path, Err: werr})
			}
			return nil
		}
		if !w.isTranscript(path) {
			return nil
		}
		seen[path] = true

		info, ierr := d.Info()
		if ierr != nil {
			w.emit(ctx, Event{Kind: WatchError, Path: path, Err: ierr})
			return nil
		}

		w.mu.Lock()
		prev, existed := w.known[path]
		w.known[path] = fileState{size: info.Size(), mtime: info.ModTime()}
		w.mu.Unlock()

		switch {
		case !existed:
			w.emit(ctx, Event{Kind: Added, Path: path})
		case !initial && (prev.size != info.Size() || !prev.mtime.Equal(info.ModTime())):
			w.emit(ctx, Event{Kind: Changed, Path: path})
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Files that vanished since the last scan.
	if !initial {
		w.mu.Lock()
		var gone []string
		for path := range w.known {
			if !seen[path] {
				gone = append(gone, path)
				delete(w.known, path)
			}
		}
		w.mu.Unlock()
		for _, path := range gone {
			w.emit(ctx, Event{Kind: Removed, Path: path})
		}
	}
	return nil
}

// scanDir reports transcript files inside a newly created directory
// (fsnotify delivers no events for files that raced the watch).
func (w *Watcher) scanDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.emit(ctx, Event{Kind: WatchError, Path: dir, Err: err})
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := w.watchDir(path); err != nil {
				w.emit(ctx, Event{Kind: WatchError, Path: path, Err: err})
				continue
			}
			w.scanDir(ctx, path)
			continue
		}
		if !w.isTranscript(path) {
			continue
		}
		if info, err := entry.Info(); err == nil {
			w.rememberFile(path, info)
		}
		w.emit(ctx, Event{Kind: Added, Path: path})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// isTranscript filters for the transcript extension and excludes subagent
// side files (agent-*.jsonl), which are not main conversations.
func (w *Watcher) isTranscript(path string) bool {
	if !strings.HasSuffix(path, w.opts.Extension) {
		return false
	}
	return !strings.HasPrefix(filepath.Base(path), "agent-")
}

func (w *Watcher) watchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watchedDirs[dir] {
		return nil
	}
	if w.fsw != nil {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.watchedDirs[dir] = true
	return nil
}

// forgetDir clears bookkeeping when a watched directory disappears.
// Returns true if the path was a watched directory.
func (w *Watcher) forgetDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watchedDirs[path] {
		return false
	}
	delete(w.watchedDirs, path)
	return true
}

func (w *Watcher) rememberFile(path string, info os.FileInfo) {
	w.mu.Lock()
	w.known[path] = fileState{size: info.Size(), mtime: info.ModTime()}
	w.mu.Unlock()
}

func (w *Watcher) forgetFile(path string) {
	w.mu.Lock()
	delete(w.known, path)
	delete(w.debouncers, path)
	w.mu.Unlock()
}

func (w *Watcher) emit(ctx context.Context, event Event) {
	w.stopMu.RLock()
	defer w.stopMu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}
