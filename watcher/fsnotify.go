package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotify watches via the OS notification API (inotify, kqueue, ...).
//
// Directory watches subsume per-file watches: registering a file watches its
// parent directory, and registering a directory recursively watches every
// subdirectory (including ones created later under it). Directory-level OS
// watches are refcounted across registrations, so mapping many files in one
// directory costs a single OS watch.
type FSNotify struct {
	fw   *fsnotify.Watcher
	out  chan Event
	opts Options

	mu      sync.Mutex
	closed  bool
	dirs    map[string]int      // OS-watched directory -> refcount
	contrib map[string][]string // registered path -> directories it holds refs on
	roots   map[string]bool     // registered directory root -> recursive
	pending map[string]*pendingEvent

	done chan struct{}
	wg   sync.WaitGroup
}

type pendingEvent struct {
	kind  Kind
	at    time.Time
	timer *time.Timer
}

var _ Watcher = (*FSNotify)(nil)

// NewFSNotify creates the fsnotify-backed watcher. An error here means the
// notification API is unavailable; callers typically fall back to Degraded or
// NewPoll.
func NewFSNotify(opts Options) (*FSNotify, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FSNotify{
		fw:      fw,
		out:     make(chan Event, opts.buffer()),
		opts:    opts,
		dirs:    make(map[string]int),
		contrib: make(map[string][]string),
		roots:   make(map[string]bool),
		pending: make(map[string]*pendingEvent),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *FSNotify) Events() <-chan Event { return w.out }

func (w *FSNotify) Add(path string, recursive bool) error {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var dirs []string
	if !info.IsDir() {
		// File watches ride on the parent directory; rename-into-place would
		// be missed by a watch on the file itself.
		dirs = []string{filepath.Dir(path)}
	} else if !recursive {
		dirs = []string{path}
	} else {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				dirs = append(dirs, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	for _, d := range dirs {
		if err := w.refDir(d); err != nil {
			return err
		}
		w.contrib[path] = append(w.contrib[path], d)
	}
	if info.IsDir() {
		w.roots[path] = recursive
	}
	return nil
}

func (w *FSNotify) Remove(path string) error {
	path = filepath.Clean(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range w.contrib[path] {
		w.unrefDir(d)
	}
	delete(w.contrib, path)
	delete(w.roots, path)
	return nil
}

func (w *FSNotify) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = map[string]*pendingEvent{}
	w.mu.Unlock()

	close(w.done)
	err := w.fw.Close()
	w.wg.Wait()
	return err
}

// refDir must be called with w.mu held.
func (w *FSNotify) refDir(dir string) error {
	if w.dirs[dir] == 0 {
		if err := w.fw.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	return nil
}

// unrefDir must be called with w.mu held.
func (w *FSNotify) unrefDir(dir string) {
	n := w.dirs[dir]
	if n <= 1 {
		delete(w.dirs, dir)
		_ = w.fw.Remove(dir) // may already be gone
		return
	}
	w.dirs[dir] = n - 1
}

func (w *FSNotify) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if w.opts.OnError != nil {
				w.opts.OnError(err)
			}
		case <-w.done:
			return
		}
	}
}

func (w *FSNotify) handle(ev fsnotify.Event) {
	var kind Kind
	switch {
	case ev.Op.Has(fsnotify.Create):
		kind = Created
	case ev.Op.Has(fsnotify.Write):
		kind = Modified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		kind = Removed
	default:
		return // chmod etc.
	}

	path := filepath.Clean(ev.Name)

	if kind == Created {
		w.maybeWatchNewDir(path)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if p, ok := w.pending[path]; ok {
		p.kind = mergeKinds(p.kind, kind)
		p.at = time.Now()
		w.mu.Unlock()
		return
	}
	p := &pendingEvent{kind: kind, at: time.Now()}
	p.timer = time.AfterFunc(w.opts.debounce(), func() { w.flush(path) })
	w.pending[path] = p
	w.mu.Unlock()
}

// maybeWatchNewDir extends recursive roots to directories created after Add.
func (w *FSNotify) maybeWatchNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for root, recursive := range w.roots {
		if !recursive {
			continue
		}
		if isUnder(root, path) {
			if err := w.refDir(path); err == nil {
				w.contrib[root] = append(w.contrib[root], path)
			}
			return
		}
	}
}

func (w *FSNotify) flush(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	p, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case w.out <- Event{Path: path, Kind: p.kind, Time: p.at}:
	case <-w.done:
	}
}

// isUnder reports whether path is inside root (strictly below it).
func isUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !filepath.IsAbs(rel) &&
		!(len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator))
}
