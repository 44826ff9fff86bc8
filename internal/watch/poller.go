package watch

import (
	"sync"
	"time"
)

// Poller is a drop-in substitute for DirWatcher on platforms or
// filesystems where inotify-style notification is unreliable (NFS,
// some container mounts). It satisfies the same contract: Watch is
// idempotent and the callback fires periodically so the caller can
// re-scan its watched sources; the mtime comparison on the caller's
// side turns the periodic tick into real change detection.
type Poller struct {
	interval time.Duration
	notify   func()

	mu      sync.Mutex
	dirs    map[string]struct{}
	ticker  *time.Ticker
	done    chan struct{}
	stopped bool
}

// NewPoller creates a poller firing notify every interval once at least
// one directory is watched.
func NewPoller(interval time.Duration, notify func()) *Poller {
	return &Poller{
		interval: interval,
		notify:   notify,
		dirs:     make(map[string]struct{}),
	}
}

// Watch records dir and starts the polling loop on the first call. It
// never fails for a missing directory; the caller's per-source stat
// handles disappearance.
func (p *Poller) Watch(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.dirs[dir]; ok || p.stopped {
		return nil
	}

	p.dirs[dir] = struct{}{}

	// Lazy start, mirroring DirWatcher.
	if p.ticker == nil {
		p.ticker = time.NewTicker(p.interval)
		p.done = make(chan struct{})

		go p.loop(p.ticker, p.done)
	}

	return nil
}

// WatchedDirs returns the number of recorded directories.
func (p *Poller) WatchedDirs() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.dirs)
}

// Close stops the polling loop.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}

	p.stopped = true

	if p.ticker != nil {
		p.ticker.Stop()
		close(p.done)
	}

	return nil
}

func (p *Poller) loop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.notify()
		}
	}
}
