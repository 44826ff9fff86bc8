// Package watch bridges OS file-change notifications into a single
// "something in a watched directory changed" callback. It owns the
// directory-subscription table; deciding which watched source actually
// changed is the caller's job.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options configures a DirWatcher.
type Options struct {
	// Debounce is the quiet period before the callback fires after a
	// burst of filesystem events.
	Debounce time.Duration

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// DefaultOptions returns sensible default watcher options.
func DefaultOptions() Options {
	return Options{
		Debounce: 500 * time.Millisecond,
		Logger:   slog.Default(),
	}
}

// DirWatcher subscribes directories for change notification and invokes
// one callback whenever any subscribed directory reports a change. The
// callback carries no file information: a notification means "re-scan
// everything you care about".
//
// The underlying fsnotify watcher and its event-loop goroutine are
// created lazily on the first Watch call; a DirWatcher that never
// watches anything costs nothing.
type DirWatcher struct {
	notify func()
	opts   Options

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	dirs      map[string]struct{}
	debouncer *Debouncer
	closed    bool
}

// New creates a DirWatcher that invokes notify (debounced) on changes.
func New(notify func(), opts Options) *DirWatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &DirWatcher{
		notify: notify,
		opts:   opts,
		dirs:   make(map[string]struct{}),
	}
}

// Watch subscribes dir for change notification. It is idempotent per
// canonicalized absolute path: watching an already-subscribed directory
// is a no-op. A failure to subscribe (missing directory, permissions)
// is returned to the caller.
func (w *DirWatcher) Watch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving directory %q: %w", dir, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watching directory %q: watcher is closed", abs)
	}

	if _, ok := w.dirs[abs]; ok {
		return nil
	}

	// First subscription in this watcher's lifetime: create the OS
	// watcher and start the event loop.
	if w.fsw == nil {
		fsw, fswErr := fsnotify.NewWatcher()
		if fswErr != nil {
			return fmt.Errorf("creating watcher: %w", fswErr)
		}

		w.fsw = fsw
		w.debouncer = NewDebouncer(w.opts.Debounce, w.fire, w.opts.Logger)

		go w.loop(fsw)
	}

	if err := w.fsw.Add(abs); err != nil {
		return fmt.Errorf("watching directory %q: %w", abs, err)
	}

	w.dirs[abs] = struct{}{}

	return nil
}

// WatchedDirs returns the number of currently subscribed directories.
func (w *DirWatcher) WatchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.dirs)
}

// Close stops the event loop and releases all OS subscriptions.
func (w *DirWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if w.debouncer != nil {
		w.debouncer.Stop()
	}

	if w.fsw != nil {
		return w.fsw.Close()
	}

	return nil
}

// fire runs on the debouncer's timer goroutine and delivers the
// notification. Everything the notification triggers (re-scanning,
// re-evaluation) happens here, never inline in the fsnotify event loop.
func (w *DirWatcher) fire(path string) {
	w.opts.Logger.Debug("change notification", slog.String("trigger", path))
	w.notify()
}

// loop consumes fsnotify events until the watcher is closed.
func (w *DirWatcher) loop(fsw *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}

			if !isRelevant(event) {
				continue
			}

			w.debouncer.Trigger(event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}

			w.opts.Logger.Error("watcher error", slog.String("error", err.Error()))
		}
	}
}

// isRelevant filters out events that cannot represent a source change.
func isRelevant(event fsnotify.Event) bool {
	if event.Op == 0 {
		return false
	}

	// Only care about write, create, remove, rename.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Base(event.Name)

	// Ignore editor temporary files and hidden files.
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") || strings.HasPrefix(name, "#") {
		return false
	}

	return true
}
