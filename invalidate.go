package servecache

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	enc "github.com/unkn0wn-root/servecache/encoding"
	"github.com/unkn0wn-root/servecache/internal/util"
	"github.com/unkn0wn-root/servecache/watcher"
	"golang.org/x/sync/errgroup"
)

// subscription is one watched location and everything depending on it.
// Created when the first dependent registers, dropped when the last leaves.
type subscription struct {
	path      string
	recursive bool
	deps      map[*Resource]struct{} // direct file dependents
	mounts    map[*mount]struct{}    // directory-prefix dependents
}

func (s *subscription) empty() bool {
	return len(s.deps) == 0 && len(s.mounts) == 0
}

// watchIndex maps filesystem paths to their dependents. Event handling takes
// the read lock only; registration (rare) takes the write lock.
type watchIndex struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func newWatchIndex() *watchIndex {
	return &watchIndex{subs: make(map[string]*subscription)}
}

// addDep registers res as depending on path. Reports whether this created the
// subscription (i.e. the caller should register a backend watch).
func (x *watchIndex) addDep(path string, res *Resource) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.subs[path]
	if !ok {
		s = &subscription{path: path, deps: map[*Resource]struct{}{}, mounts: map[*mount]struct{}{}}
		x.subs[path] = s
	}
	s.deps[res] = struct{}{}
	return !ok
}

// removeDep drops res from path's subscription. Reports whether the
// subscription is now gone (caller should remove the backend watch).
func (x *watchIndex) removeDep(path string, res *Resource) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.subs[path]
	if !ok {
		return false
	}
	delete(s.deps, res)
	if s.empty() {
		delete(x.subs, path)
		return true
	}
	return false
}

func (x *watchIndex) addMount(m *mount) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.subs[m.dir]
	if !ok {
		s = &subscription{path: m.dir, deps: map[*Resource]struct{}{}, mounts: map[*mount]struct{}{}}
		x.subs[m.dir] = s
	}
	s.recursive = true
	s.mounts[m] = struct{}{}
	return !ok
}

func (x *watchIndex) removeMount(m *mount) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.subs[m.dir]
	if !ok {
		return false
	}
	delete(s.mounts, m)
	if s.empty() {
		delete(x.subs, m.dir)
		return true
	}
	return false
}

// affected collects everything invalidated by a change at path: exact-path
// dependents, plus — walking ancestor directories — derived resources of
// recursive mounts containing the path. The derived lookup also returns the
// owning mount so Removed events can drop the derived entry.
func (x *watchIndex) affected(path string) (resources []*Resource, owners []*mount, keys []string) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if s, ok := x.subs[path]; ok {
		for r := range s.deps {
			resources = append(resources, r)
			owners = append(owners, nil)
			keys = append(keys, "")
		}
	}

	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if s, ok := x.subs[dir]; ok && s.recursive {
			for m := range s.mounts {
				if r, key, ok := m.derivedFor(path); ok {
					resources = append(resources, r)
					owners = append(owners, m)
					keys = append(keys, key)
				}
			}
		}
		if dir == filepath.Dir(dir) {
			return
		}
	}
}

// affectedUnder collects dependents of subscriptions at or beneath dir:
// derived resources of mounts rooted there, and direct file dependents whose
// path lies inside it. Used for Removed events on directories, where no
// per-file events arrive. dir's own direct deps are excluded; the exact branch
// of affected already returns those.
func (x *watchIndex) affectedUnder(dir string) (resources []*Resource, owners []*mount, keys []string) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for p, s := range x.subs {
		if p != dir && !underDir(dir, p) {
			continue
		}
		if p != dir {
			for r := range s.deps {
				resources = append(resources, r)
				owners = append(owners, nil)
				keys = append(keys, "")
			}
		}
		for m := range s.mounts {
			for key, r := range m.derivedSnapshot() {
				resources = append(resources, r)
				owners = append(owners, m)
				keys = append(keys, key)
			}
		}
	}
	return
}

// underDir reports whether p lies strictly inside dir.
func underDir(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !filepath.IsAbs(rel) &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// runCoordinator consumes watcher events until Close. It is the only
// goroutine applying filesystem-driven invalidation, so per-event work must
// stay O(dependents).
func (c *cache) runCoordinator() {
	defer c.closeWg.Done()
	events := c.watcher.Events() // nil when degraded; blocks forever in select
	for {
		select {
		case ev := <-events:
			c.handleEvent(ev)
		case <-c.stopCh:
			return
		}
	}
}

func (c *cache) handleEvent(ev watcher.Event) {
	// Created is handled like Modified: a watched-but-missing source may have
	// appeared, and editors that replace files atomically surface the rename
	// as a create.
	if ev.Kind != watcher.Created && ev.Kind != watcher.Modified && ev.Kind != watcher.Removed {
		return
	}

	resources, owners, keys := c.idx.affected(ev.Path)
	if ev.Kind == watcher.Removed {
		// A removed directory (a mount root, or a tree holding mapped files)
		// produces no per-file events; sweep everything beneath it.
		dr, do, dk := c.idx.affectedUnder(ev.Path)
		resources = append(resources, dr...)
		owners = append(owners, do...)
		keys = append(keys, dk...)
	}
	if len(resources) == 0 {
		return
	}
	c.log.Debug("change event", Fields{"path": ev.Path, "kind": ev.Kind.String(), "deps": len(resources)})

	for i, res := range resources {
		if ev.Kind == watcher.Removed && owners[i] != nil {
			// The file behind a derived resource is gone: drop it from the
			// mount so the next resolve re-stats, and retire the resource.
			owners[i].dropDerived(keys[i])
			res.removed.Store(true)
		}
		c.invalidateResource(res)
	}
}

// invalidateResource bumps the resource's generation (visible to every
// goroutine before this returns) and clears its cached state. In-flight
// builds are untouched: their waiters get the old bytes, the generation
// mismatch keeps those bytes out of the store.
func (c *cache) invalidateResource(res *Resource) {
	genKey := util.ResourceKey(c.ns, res.id)
	newGen := c.bumpGen(genKey)

	ctx := context.Background()
	for _, name := range c.encOrder {
		_ = c.provider.Del(ctx, util.VariantKey(c.ns, res.id, name))
	}
	if res.kind == KindMemoryCached {
		res.dropBase()
	}

	c.hooks.ResourceInvalidated(res.path, newGen)
	c.log.Debug("invalidated resource (bumped gen + cleared variants)",
		Fields{"path": res.path, "newGen": newGen})

	if c.policy == PolicyEager && !res.removed.Load() {
		if served := res.servedEncodings(); len(served) > 0 {
			c.spawnRebuild(res, served)
		}
	}
}

// spawnRebuild starts an eager rebuild unless the engine is shutting down.
// invalidateResource runs on user goroutines too (Invalidate, Unmap), so the
// Add has to be ordered against Close's Wait.
func (c *cache) spawnRebuild(res *Resource, encodings []string) {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	if c.draining {
		return
	}
	c.rebuildWg.Add(1)
	go c.eagerRebuild(res, encodings)
}

// eagerRebuild re-builds the encodings a resource has actually served, off
// the event path. Failures are reported and left for lazy requests to retry.
func (c *cache) eagerRebuild(res *Resource, encodings []string) {
	defer c.rebuildWg.Done()
	var g errgroup.Group
	for _, name := range encodings {
		if name == enc.Identity {
			continue
		}
		name := name
		g.Go(func() error {
			if _, err := c.GetBytes(context.Background(), res, []string{name}); err != nil {
				c.hooks.EagerRebuildError(util.VariantKey(c.ns, res.id, name), err)
				c.log.Warn("eager rebuild failed", Fields{"path": res.path, "encoding": name, "err": err})
			}
			return nil
		})
	}
	_ = g.Wait()
}
