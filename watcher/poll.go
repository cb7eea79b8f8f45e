package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Poll is the notification-free fallback backend: it rescans registered paths
// on an interval and diffs mtimes. The scan interval doubles as the debounce
// window, so no separate coalescing is needed.
type Poll struct {
	out  chan Event
	opts Options

	mu    sync.Mutex
	roots map[string]bool      // registered path -> recursive
	snap  map[string]time.Time // seen path -> mtime

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Watcher = (*Poll)(nil)

// NewPoll creates a polling watcher scanning every interval
// (0 => 2s).
func NewPoll(interval time.Duration, opts Options) *Poll {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w := &Poll{
		out:   make(chan Event, opts.buffer()),
		opts:  opts,
		roots: make(map[string]bool),
		snap:  make(map[string]time.Time),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop(interval)
	return w
}

func (w *Poll) Events() <-chan Event { return w.out }

func (w *Poll) Add(path string, recursive bool) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.roots[path] = recursive
	// seed the snapshot so registration itself emits nothing
	for p, mt := range scanOne(path, recursive) {
		w.snap[p] = mt
	}
	w.mu.Unlock()
	return nil
}

func (w *Poll) Remove(path string) error {
	path = filepath.Clean(path)
	w.mu.Lock()
	delete(w.roots, path)
	// rebuild the snapshot from the remaining roots; leaving the removed
	// root's entries behind would surface as spurious Removed events on the
	// next scan
	current := make(map[string]time.Time, len(w.snap))
	for root, recursive := range w.roots {
		for p, mt := range scanOne(root, recursive) {
			current[p] = mt
		}
	}
	w.snap = current
	w.mu.Unlock()
	return nil
}

func (w *Poll) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
	return nil
}

func (w *Poll) loop(interval time.Duration) {
	defer w.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.scan()
		case <-w.done:
			return
		}
	}
}

func (w *Poll) scan() {
	w.mu.Lock()
	current := make(map[string]time.Time)
	for root, recursive := range w.roots {
		for p, mt := range scanOne(root, recursive) {
			current[p] = mt
		}
	}
	prev := w.snap
	w.snap = current
	w.mu.Unlock()

	now := time.Now()
	for p, mt := range current {
		old, seen := prev[p]
		switch {
		case !seen:
			w.emit(Event{Path: p, Kind: Created, Time: now})
		case !mt.Equal(old):
			w.emit(Event{Path: p, Kind: Modified, Time: now})
		}
	}
	for p := range prev {
		if _, ok := current[p]; !ok {
			w.emit(Event{Path: p, Kind: Removed, Time: now})
		}
	}
}

func (w *Poll) emit(ev Event) {
	select {
	case w.out <- ev:
	case <-w.done:
	}
}

// scanOne stats a registered path: a file yields itself; a directory yields
// its entries (the whole subtree when recursive).
func scanOne(root string, recursive bool) map[string]time.Time {
	out := make(map[string]time.Time)
	info, err := os.Stat(root)
	if err != nil {
		return out
	}
	if !info.IsDir() {
		out[root] = info.ModTime()
		return out
	}
	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return out
		}
		for _, e := range entries {
			if fi, err := e.Info(); err == nil && !fi.IsDir() {
				out[filepath.Join(root, e.Name())] = fi.ModTime()
			}
		}
		return out
	}
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			if fi, err := d.Info(); err == nil {
				out[p] = fi.ModTime()
			}
		}
		return nil
	})
	return out
}
