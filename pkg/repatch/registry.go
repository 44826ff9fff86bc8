// Package repatch implements in-process live reload of class
// definitions. Watched source files are re-evaluated when they change,
// and redefined classes have their new members merged onto the
// previously registered class object, so existing instances pick up new
// method implementations without being recreated.
package repatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"weak"

	"github.com/hupe1980/repatch/internal/diff"
	"github.com/hupe1980/repatch/internal/source"
	"github.com/hupe1980/repatch/internal/watch"
)

// Evaluator re-evaluates the top-level code of a source file in its
// existing namespace. Class definitions encountered during evaluation
// are expected to call back into Registry.Define, which closes the
// reload loop. The surrounding runtime supplies the implementation;
// the registry does not parse or execute anything itself.
type Evaluator interface {
	Evaluate(ctx context.Context, sourcePath string) error
}

// Notifier subscribes directories for change notification and fires a
// callback when any watched directory changes. watch.DirWatcher is the
// default implementation; watch.Poller is the polling substitute.
type Notifier interface {
	Watch(dir string) error
	Close() error
}

// ReloadResult is the outcome of re-evaluating one changed source.
type ReloadResult struct {
	// Source is the canonical path of the re-evaluated file.
	Source string

	// Err is the evaluation failure, if any. The previously loaded
	// code for this source remains live when Err is non-nil.
	Err error

	// Diff is the unified diff of the source text against the previous
	// baseline snapshot.
	Diff string
}

// Options configures a Registry.
type Options struct {
	// Evaluator re-evaluates changed sources. Required for reloading;
	// a registry without one still tracks classes and sources.
	Evaluator Evaluator

	// Notifier delivers change notifications. When nil, a debounced
	// fsnotify watcher is created on first source registration.
	Notifier Notifier

	// Debounce is the quiet period of the default notifier.
	Debounce time.Duration

	// OnReload, when set, is invoked once per processed source after
	// each detection pass, for both successful and failed reloads.
	OnReload func(ReloadResult)

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// DefaultOptions returns sensible default registry options.
func DefaultOptions() Options {
	return Options{
		Debounce: 500 * time.Millisecond,
		Logger:   slog.Default(),
	}
}

// watchedSource tracks one source file belonging to watched classes:
// its containing directory and the last-observed snapshot baseline.
type watchedSource struct {
	dir  string
	snap source.Snapshot
}

// Registry is the process-wide table of watched sources and the
// class-identity table. Class objects are held weakly: the registry is
// never the reason a class outlives its last external referent.
type Registry struct {
	opts Options

	mu       sync.Mutex
	classes  map[Identity]weak.Pointer[Class]
	sources  map[string]*watchedSource
	notifier Notifier

	base *Class
}

// New creates a Registry. The foundational base class is constructed
// through the ordinary Define path and deliberately excluded from
// registration (see Define).
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	r := &Registry{
		opts:    opts,
		classes: make(map[Identity]weak.Pointer[Class]),
		sources: make(map[string]*watchedSource),
	}

	if opts.Notifier != nil {
		r.notifier = opts.Notifier
	} else {
		r.notifier = watch.New(r.onChangeNotification, watch.Options{
			Debounce: opts.Debounce,
			Logger:   opts.Logger,
		})
	}

	// Bootstrap: the base class definition runs the same interception
	// path as user classes and must come out unregistered.
	base, err := r.Define(ClassDef{Module: subsystemModule, Name: baseClassName})
	if err != nil {
		// Unreachable: the foundational path has no failing steps.
		panic(fmt.Sprintf("repatch: bootstrapping base class: %v", err))
	}

	r.base = base

	return r
}

// Base returns the foundational base class. It is the default parent of
// every reloadable class and is itself never reloadable.
func (r *Registry) Base() *Class { return r.base }

// SetEvaluator installs or replaces the evaluator. Evaluators commonly
// hold the registry itself to define classes during evaluation, so they
// are attached after construction.
func (r *Registry) SetEvaluator(ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.opts.Evaluator = ev
}

// Close releases the notifier and its OS subscriptions.
func (r *Registry) Close() error {
	return r.notifier.Close()
}

// RegisterSource starts watching the source file at path. The path is
// canonicalized (absolute, compiled-artifact suffix translated back to
// the editable source), its containing directory is subscribed for
// change notification, and the current snapshot becomes the baseline
// for change detection. Re-registering a known source only refreshes
// the baseline; the directory is not re-subscribed.
func (r *Registry) RegisterSource(path string) error {
	canon, err := source.Canonical(path)
	if err != nil {
		return err
	}

	snap, err := source.Take(canon)
	if err != nil {
		return err
	}

	r.mu.Lock()

	if ws, ok := r.sources[canon]; ok {
		ws.snap = snap
		r.mu.Unlock()

		return nil
	}

	r.mu.Unlock()

	dir := filepath.Dir(canon)
	if err := r.notifier.Watch(dir); err != nil {
		return err
	}

	r.mu.Lock()
	r.sources[canon] = &watchedSource{dir: dir, snap: snap}
	r.mu.Unlock()

	r.opts.Logger.Debug("watching source",
		slog.String("source", canon),
		slog.String("dir", dir),
	)

	return nil
}

// Sources returns the canonical paths of all watched sources, sorted.
func (r *Registry) Sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.sources))
	for p := range r.sources {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// Lookup returns the live class for id, if one is registered and still
// externally referenced.
func (r *Registry) Lookup(id Identity) (*Class, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cls := r.lookupLocked(id)

	return cls, cls != nil
}

// Identities returns the identities of all live registered classes,
// sorted by qualified name.
func (r *Registry) Identities() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]Identity, 0, len(r.classes))

	for id := range r.classes {
		if r.lookupLocked(id) != nil {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	return ids
}

// CheckSources runs one change-detection pass over every watched
// source: stat, compare against the baseline, and re-evaluate the ones
// that really changed. A source that cannot be statted is skipped
// silently with its baseline untouched; it is expected to reappear.
// Evaluation failures are contained per source and reported via the
// logger and OnReload, never returned: one broken file must not block
// reload of everything else.
//
// The baseline is advanced before re-evaluation so that a slow or
// timestamp-touching evaluation cannot re-trigger on the same change.
func (r *Registry) CheckSources(ctx context.Context) []ReloadResult {
	r.mu.Lock()
	r.sweepLocked()

	paths := make([]string, 0, len(r.sources))
	for p := range r.sources {
		paths = append(paths, p)
	}
	r.mu.Unlock()

	sort.Strings(paths)

	var results []ReloadResult

	for _, path := range paths {
		if result, changed := r.checkSource(ctx, path); changed {
			results = append(results, result)

			if r.opts.OnReload != nil {
				r.opts.OnReload(result)
			}
		}
	}

	return results
}

// checkSource processes a single watched source. The second return is
// false when the source was skipped (missing) or unchanged.
func (r *Registry) checkSource(ctx context.Context, path string) (ReloadResult, bool) {
	snap, err := source.Take(path)
	if err != nil {
		// Transient disappearance: leave the baseline alone, retry on
		// the next notification.
		return ReloadResult{}, false
	}

	r.mu.Lock()

	ws, ok := r.sources[path]
	if !ok || !snap.NewerThan(ws.snap) {
		r.mu.Unlock()

		return ReloadResult{}, false
	}

	prev := ws.snap
	ws.snap = snap
	r.mu.Unlock()

	unified, diffErr := diff.Compute(prev.Content, snap.Content, diff.Options{
		OldLabel: path + " (previous)",
		NewLabel: path + " (reloaded)",
		Context:  3,
	})
	if diffErr != nil {
		unified = ""
	}

	evalErr := r.evaluate(ctx, path)
	if evalErr != nil {
		r.opts.Logger.Error("reload failed",
			slog.String("source", path),
			slog.String("error", evalErr.Error()),
		)
	} else {
		r.opts.Logger.Info("source reloaded", slog.String("source", path))
	}

	return ReloadResult{Source: path, Err: evalErr, Diff: unified}, true
}

// evaluate runs the evaluator with panic containment: a panicking
// evaluation is an evaluation failure, not a process crash.
func (r *Registry) evaluate(ctx context.Context, path string) (err error) {
	r.mu.Lock()
	ev := r.opts.Evaluator
	r.mu.Unlock()

	if ev == nil {
		return fmt.Errorf("reloading %q: no evaluator configured", path)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reloading %q: panic: %v", path, rec)
		}
	}()

	return ev.Evaluate(ctx, path)
}

// onChangeNotification is the notifier callback. It runs on the
// notifier's goroutine, which is the single place registry state is
// mutated in response to filesystem activity.
func (r *Registry) onChangeNotification() {
	r.CheckSources(context.Background())
}

// lookupLocked resolves id against the weak table, pruning the entry
// when its class has been collected. Callers must hold r.mu.
func (r *Registry) lookupLocked(id Identity) *Class {
	ptr, ok := r.classes[id]
	if !ok {
		return nil
	}

	cls := ptr.Value()
	if cls == nil {
		delete(r.classes, id)

		return nil
	}

	return cls
}

// sweepLocked drops identity-table entries whose class has no remaining
// strong referent. Callers must hold r.mu.
func (r *Registry) sweepLocked() {
	for id, ptr := range r.classes {
		if ptr.Value() == nil {
			delete(r.classes, id)
		}
	}
}
