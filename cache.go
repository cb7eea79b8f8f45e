package servecache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	enc "github.com/unkn0wn-root/servecache/encoding"
	gen "github.com/unkn0wn-root/servecache/genstore"
	"github.com/unkn0wn-root/servecache/internal/util"
	pr "github.com/unkn0wn-root/servecache/provider"
	"github.com/unkn0wn-root/servecache/provider/memory"
	"github.com/unkn0wn-root/servecache/watcher"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

type cache struct {
	ns         string
	provider   pr.Provider
	encoders   map[string]enc.Encoder
	encOrder   []string
	watcher    watcher.Watcher
	gen        gen.GenStore
	log        Logger
	hooks      Hooks
	policy     Policy
	variantTTL time.Duration
	enabled    bool

	group singleflight.Group

	// mapping state; readers go through the atomic table snapshot only
	mapMu    sync.Mutex
	table    atomic.Pointer[mappingTable]
	byPath   map[string]*Resource // alias dedup: source path -> resource
	uriCount map[*Resource]int    // URIs referencing each direct resource

	idx    *watchIndex
	nextID atomic.Uint64

	// eager rebuilds are tracked separately from the coordinator: they can be
	// spawned from user goroutines (Invalidate, Unmap), so the Add must be
	// serialized against Close's Wait.
	rebuildMu sync.Mutex
	rebuildWg sync.WaitGroup
	draining  bool

	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func newCache(opts Options) (*cache, error) {
	c := &cache{
		ns:         coalesce(opts.Namespace, "res"),
		policy:     opts.Policy,
		variantTTL: opts.VariantTTL,
		enabled:    !opts.Disabled,
		byPath:     make(map[string]*Resource),
		uriCount:   make(map[*Resource]int),
		idx:        newWatchIndex(),
		stopCh:     make(chan struct{}),
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if opts.Provider != nil {
		c.provider = opts.Provider
	} else {
		c.provider = memory.New()
	}

	encoders := opts.Encoders
	if encoders == nil {
		encoders = enc.Defaults()
	}
	c.encoders = make(map[string]enc.Encoder, len(encoders))
	for _, e := range encoders {
		if e.Name() == enc.Identity {
			return nil, fmt.Errorf("servecache: %q is reserved and cannot be registered", enc.Identity)
		}
		if _, dup := c.encoders[e.Name()]; dup {
			return nil, fmt.Errorf("servecache: duplicate encoder %q", e.Name())
		}
		c.encoders[e.Name()] = e
		c.encOrder = append(c.encOrder, e.Name())
	}

	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		sweep := coalesce(opts.CleanupInterval, defaultSweep)
		retention := coalesce(opts.GenRetention, defaultGenRetention)
		c.gen = gen.NewLocalGenStore(sweep, retention)
	}

	if opts.Watcher != nil {
		c.watcher = opts.Watcher
	} else {
		w, err := watcher.NewFSNotify(watcher.Options{
			OnError: func(err error) {
				c.log.Warn("watch backend error", Fields{"err": err})
			},
		})
		if err != nil {
			// Degraded: keep serving, stop seeing changes. Reported once.
			werr := &WatchBackendError{Err: err}
			c.log.Error("watch backend unavailable; invalidation disabled", Fields{"err": err})
			c.hooks.WatcherDegraded(werr)
			c.watcher = watcher.Degraded()
		} else {
			c.watcher = w
		}
	}

	c.table.Store(newMappingTable())

	c.closeWg.Add(1)
	go c.runCoordinator()

	return c, nil
}

func (c *cache) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.watcher.Close()
		close(c.stopCh)
		c.closeWg.Wait()

		c.rebuildMu.Lock()
		c.draining = true
		c.rebuildMu.Unlock()
		c.rebuildWg.Wait()

		if c.gen != nil {
			err = c.gen.Close(ctx)
		}
		if c.provider != nil {
			if perr := c.provider.Close(ctx); err == nil {
				err = perr
			}
		}
	})
	return err
}

// Map implements Cache. Mappings with a second URI for an already-mapped file
// path alias the existing resource, so aliases share variants and builds.
func (c *cache) Map(spec MappingSpec) error {
	if spec.URI == "" {
		return fmt.Errorf("servecache: mapping needs a URI")
	}
	set := 0
	if spec.Path != "" {
		set++
	}
	if spec.Dir != "" {
		set++
	}
	if spec.Generator != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("servecache: mapping %q needs exactly one of Path, Dir, Generator", spec.URI)
	}

	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	if spec.Dir != "" {
		return c.mapDir(spec)
	}

	uri := canonicalURI(spec.URI)
	var res *Resource
	switch {
	case spec.Generator != nil:
		res = c.newResource(KindGenerated, uri, "", spec.ContentType, spec.Generator)

	default:
		p := filepath.Clean(spec.Path)
		if existing, ok := c.byPath[p]; ok {
			res = existing
		} else {
			kind := KindFileBacked
			if spec.MemoryCache {
				kind = KindMemoryCached
			}
			res = c.newResource(kind, uri, p, spec.ContentType, nil)
			if c.idx.addDep(p, res) {
				if err := c.watcher.Add(p, false); err != nil {
					c.idx.removeDep(p, res)
					return fmt.Errorf("servecache: watch %q: %w", p, err)
				}
			}
			c.byPath[p] = res
		}
	}

	nt := c.table.Load().clone()
	if prev, ok := nt.exact[uri]; ok {
		if prev == res {
			// identical re-map (e.g. a manifest reload re-registering the same
			// entries); already in place, and releasing would tear it down
			return nil
		}
		// re-mapping a URI replaces the old target
		c.releaseURI(prev)
	}
	nt.exact[uri] = res
	c.uriCount[res]++
	c.table.Store(nt)
	c.log.Debug("mapped", Fields{"uri": uri, "kind": res.kind.String(), "path": res.path})
	return nil
}

// mapDir registers a directory-prefix mount. Caller holds mapMu.
func (c *cache) mapDir(spec MappingSpec) error {
	prefix := mountPrefix(spec.URI)
	dir := filepath.Clean(spec.Dir)
	m := &mount{prefix: prefix, dir: dir, derived: map[string]*Resource{}}

	if c.idx.addMount(m) {
		if err := c.watcher.Add(dir, true); err != nil {
			c.idx.removeMount(m)
			return fmt.Errorf("servecache: watch %q: %w", dir, err)
		}
	}

	nt := c.table.Load().clone()
	if old := nt.removeMount(prefix); old != nil {
		c.teardownMount(old)
	}
	nt.addMount(m)
	c.table.Store(nt)
	c.log.Debug("mounted", Fields{"prefix": prefix, "dir": dir})
	return nil
}

// Unmap implements Cache. Never blocks on in-flight builds: the resource is
// marked removed first, so a build finishing later discards its result.
func (c *cache) Unmap(uri string) error {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()

	u := canonicalURI(uri)
	nt := c.table.Load().clone()

	if res, ok := nt.exact[u]; ok {
		delete(nt.exact, u)
		c.table.Store(nt)
		c.releaseURI(res)
		return nil
	}

	if m := nt.removeMount(mountPrefix(uri)); m != nil {
		c.table.Store(nt)
		c.teardownMount(m)
		return nil
	}

	return &MappingNotFoundError{URI: uri}
}

// releaseURI drops one URI reference; the last reference tears the resource
// down. Caller holds mapMu.
func (c *cache) releaseURI(res *Resource) {
	c.uriCount[res]--
	if c.uriCount[res] > 0 {
		return
	}
	delete(c.uriCount, res)
	res.removed.Store(true)
	if res.path != "" {
		delete(c.byPath, res.path)
		if res.kind != KindGenerated && c.idx.removeDep(res.path, res) {
			_ = c.watcher.Remove(res.path)
		}
	}
	c.invalidateResource(res)
}

// teardownMount retires a mount and all its derived resources. Caller holds
// mapMu.
func (c *cache) teardownMount(m *mount) {
	m.removed.Store(true)
	if c.idx.removeMount(m) {
		_ = c.watcher.Remove(m.dir)
	}
	for _, r := range m.allDerived() {
		r.removed.Store(true)
		c.invalidateResource(r)
	}
}

// Invalidate implements Cache: the manual eviction path, mainly for generated
// resources which no filesystem event covers.
func (c *cache) Invalidate(_ context.Context, uri string) error {
	res, err := c.Resolve(uri)
	if err != nil {
		return err
	}
	c.invalidateResource(res)
	return nil
}

// Warm implements Cache: builds every configured encoding through the same
// coalesced path requests use, so warming and serving never duplicate work.
func (c *cache) Warm(ctx context.Context, uri string) error {
	res, err := c.Resolve(uri)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, name := range c.encOrder {
		name := name
		g.Go(func() error {
			_, err := c.GetBytes(ctx, res, []string{name})
			return err
		})
	}
	return g.Wait()
}

func (c *cache) newResource(kind Kind, uri, path, contentType string, g Generator) *Resource {
	return &Resource{
		id:          c.nextID.Add(1),
		kind:        kind,
		uri:         uri,
		path:        path,
		contentType: contentType,
		generator:   g,
	}
}

// variantKeys lists the provider keys a resource can occupy; used by tests.
func (c *cache) variantKeys(res *Resource) []string {
	out := make([]string, 0, len(c.encOrder))
	for _, name := range c.encOrder {
		out = append(out, util.VariantKey(c.ns, res.id, name))
	}
	return out
}
