package servecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	enc "github.com/unkn0wn-root/servecache/encoding"
	"github.com/unkn0wn-root/servecache/provider/memory"
	"github.com/unkn0wn-root/servecache/watcher"
)

func TestFileChangeEvictsVariants(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	hooks := &recordHooks{}
	cc, fw := newTestCache(t, func(o *Options) {
		o.Provider = mem
		o.Hooks = hooks
	})

	dir := t.TempDir()
	p := filepath.Join(dir, "page.html")
	writeFile(t, p, "old body")
	if err := cc.Map(MappingSpec{URI: "/page", Path: p}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/page")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != 1 {
		t.Fatalf("provider entries = %d, want 1", mem.Len())
	}

	writeFile(t, p, "new body")
	fw.emit(p, watcher.Modified)

	waitFor(t, "eviction", func() bool { return mem.Len() == 0 })

	out, err := cc.GetBytes(ctx, res, []string{"gzip"})
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := (enc.Gzip{}).Decode(out.Bytes)
	if string(plain) != "new body" {
		t.Fatalf("post-change got %q, want new body", plain)
	}

	waitFor(t, "invalidation hook", func() bool {
		hooks.mu.Lock()
		defer hooks.mu.Unlock()
		return hooks.invalidated == 1
	})
}

func TestCreatedEventInvalidatesLikeModified(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cc, fw := newTestCache(t, func(o *Options) {
		o.Provider = mem
	})

	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	writeFile(t, p, "v1")
	if err := cc.Map(MappingSpec{URI: "/a", Path: p}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}

	// atomic replace surfaces as a create on the watched path
	writeFile(t, p, "v2")
	fw.emit(p, watcher.Created)
	waitFor(t, "eviction", func() bool { return mem.Len() == 0 })
}

func TestMemoryCachedRefetchesAfterChange(t *testing.T) {
	ctx := context.Background()
	cc, fw := newTestCache(t, nil)

	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	writeFile(t, p, `{"v":1}`)
	if err := cc.Map(MappingSpec{URI: "/cfg", Path: p, MemoryCache: true}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/cfg")
	if err != nil {
		t.Fatal(err)
	}

	out, err := cc.GetBytes(ctx, res, nil)
	if err != nil || string(out.Bytes) != `{"v":1}` {
		t.Fatalf("got %q err %v", out.Bytes, err)
	}
	if res.LoadedAt().IsZero() {
		t.Fatalf("memory-cached resource should hold base bytes after a read")
	}

	// held bytes serve until the change event lands
	writeFile(t, p, `{"v":2}`)
	out, err = cc.GetBytes(ctx, res, nil)
	if err != nil || string(out.Bytes) != `{"v":1}` {
		t.Fatalf("pre-event got %q err %v, want held bytes", out.Bytes, err)
	}

	fw.emit(p, watcher.Modified)
	waitFor(t, "refetch", func() bool {
		out, err := cc.GetBytes(ctx, res, nil)
		return err == nil && string(out.Bytes) == `{"v":2}`
	})
}

func TestRemovedEventDropsDerivedResource(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cc, fw := newTestCache(t, func(o *Options) {
		o.Provider = mem
	})

	root := t.TempDir()
	p := filepath.Join(root, "a.txt")
	writeFile(t, p, "x")
	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/static/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	fw.emit(p, watcher.Removed)

	waitFor(t, "derived teardown", func() bool {
		return res.removed.Load() && mem.Len() == 0
	})
	if _, err := cc.Resolve("/static/a.txt"); !IsMappingNotFound(err) {
		t.Fatalf("err = %v, want MappingNotFoundError after removal", err)
	}
}

func TestEventForUnrelatedPathIsIgnored(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cc, fw := newTestCache(t, func(o *Options) {
		o.Provider = mem
	})

	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	other := filepath.Join(dir, "other.txt")
	writeFile(t, p, "x")
	writeFile(t, other, "y")
	if err := cc.Map(MappingSpec{URI: "/a", Path: p}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}

	fw.emit(other, watcher.Modified)
	// marker event: once it's processed, the unrelated one was too
	fw.emit(p, watcher.Kind(0))
	waitFor(t, "event drain", func() bool { return len(fw.ch) == 0 })

	if mem.Len() != 1 {
		t.Fatalf("unrelated event evicted the variant")
	}
}

func TestEagerPolicyRebuildsServedEncodings(t *testing.T) {
	ctx := context.Background()
	ce := &countingEncoder{Encoder: enc.Gzip{}}
	mem := memory.New()
	cc, fw := newTestCache(t, func(o *Options) {
		o.Provider = mem
		o.Encoders = []enc.Encoder{ce, enc.Zstd{}}
		o.Policy = PolicyEager
	})

	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	writeFile(t, p, "v1")
	if err := cc.Map(MappingSpec{URI: "/a", Path: p}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/a")
	if err != nil {
		t.Fatal(err)
	}

	// only gzip has been served, so only gzip is rebuilt eagerly
	if _, err := cc.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}

	writeFile(t, p, "v2")
	fw.emit(p, watcher.Modified)

	waitFor(t, "eager rebuild", func() bool { return ce.n.Load() == 2 && mem.Len() == 1 })

	// the rebuilt variant serves the new content with no further build
	out, err := cc.GetBytes(ctx, res, []string{"gzip"})
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := (enc.Gzip{}).Decode(out.Bytes)
	if string(plain) != "v2" {
		t.Fatalf("got %q, want v2", plain)
	}
	if n := ce.n.Load(); n != 2 {
		t.Fatalf("encode passes = %d, want 2", n)
	}
}

func TestRemovedDirectoryRetiresMountDerived(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cc, fw := newTestCache(t, func(o *Options) {
		o.Provider = mem
	})

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "x")
	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/static/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}

	// the whole mount root disappears; no per-file events arrive
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	fw.emit(filepath.Clean(root), watcher.Removed)

	waitFor(t, "mount sweep", func() bool {
		return res.removed.Load() && mem.Len() == 0
	})
	if _, err := cc.Resolve("/static/a.txt"); !IsMappingNotFound(err) {
		t.Fatalf("err = %v, want MappingNotFoundError", err)
	}
}

func TestRemovedDirectoryEvictsFileDependents(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	cc, fw := newTestCache(t, func(o *Options) {
		o.Provider = mem
	})

	base := t.TempDir()
	sub := filepath.Join(base, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(sub, "a.txt")
	writeFile(t, p, "x")
	if err := cc.Map(MappingSpec{URI: "/a", Path: p}); err != nil {
		t.Fatal(err)
	}
	res, err := cc.Resolve("/a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cc.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}

	// only the containing directory's removal is reported
	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}
	fw.emit(sub, watcher.Removed)

	waitFor(t, "dependent eviction", func() bool { return mem.Len() == 0 })
}

func TestInvalidateAfterCloseIsSafe(t *testing.T) {
	ctx := context.Background()
	gen := newQueueGenerator()
	fw := newFakeWatcher()
	c, err := New(Options{Watcher: fw, Policy: PolicyEager})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Map(MappingSpec{URI: "/g", Generator: gen}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Resolve("/g")
	if err != nil {
		t.Fatal(err)
	}
	gen.push([]byte("v1"), nil)
	if _, err := c.GetBytes(ctx, res, []string{"gzip"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	// no eager rebuild may be spawned once shutdown has drained
	if err := c.Invalidate(ctx, "/g"); err != nil {
		t.Fatalf("Invalidate after Close: %v", err)
	}
	if n := gen.calls.Load(); n != 1 {
		t.Fatalf("generator calls = %d, want 1 (no rebuild after Close)", n)
	}
}

func TestWatchIndexAffectedUnder(t *testing.T) {
	x := newWatchIndex()
	r := &Resource{id: 1, kind: KindFileBacked, path: "/srv/site/a.txt"}
	x.addDep("/srv/site/a.txt", r)

	m := &mount{prefix: "/static/", dir: "/srv/site/assets", derived: map[string]*Resource{}}
	dr := &Resource{id: 2, kind: KindFileBacked, path: "/srv/site/assets/x.css"}
	m.derived["x.css"] = dr
	x.addMount(m)

	res, owners, keys := x.affectedUnder("/srv/site")
	if len(res) != 2 {
		t.Fatalf("affectedUnder found %d dependents, want 2", len(res))
	}
	for i := range res {
		switch res[i] {
		case r:
			if owners[i] != nil {
				t.Fatalf("direct dep carries an owner")
			}
		case dr:
			if owners[i] != m || keys[i] != "x.css" {
				t.Fatalf("derived dep owner/key wrong: %v %q", owners[i], keys[i])
			}
		default:
			t.Fatalf("unexpected dependent %v", res[i])
		}
	}

	// the dir's own direct deps are the exact branch's job, not this one's
	if res, _, _ := x.affectedUnder("/srv/site/a.txt"); len(res) != 0 {
		t.Fatalf("affectedUnder returned %d deps for the path itself", len(res))
	}

	if res, _, _ := x.affectedUnder("/srv/other"); len(res) != 0 {
		t.Fatalf("unrelated dir matched %d dependents", len(res))
	}
}

func TestWatchIndexAffected(t *testing.T) {
	x := newWatchIndex()
	r := &Resource{id: 1, kind: KindFileBacked, path: "/srv/a.txt"}
	if created := x.addDep("/srv/a.txt", r); !created {
		t.Fatalf("first dep should create the subscription")
	}
	if created := x.addDep("/srv/a.txt", r); created {
		t.Fatalf("second dep should join the existing subscription")
	}

	m := &mount{prefix: "/static/", dir: "/srv/assets", derived: map[string]*Resource{}}
	dr := &Resource{id: 2, kind: KindFileBacked, path: "/srv/assets/css/x.css"}
	m.derived["css/x.css"] = dr
	x.addMount(m)

	res, owners, _ := x.affected("/srv/a.txt")
	if len(res) != 1 || res[0] != r || owners[0] != nil {
		t.Fatalf("exact-path lookup wrong: %v", res)
	}

	res, owners, keys := x.affected("/srv/assets/css/x.css")
	if len(res) != 1 || res[0] != dr || owners[0] != m || keys[0] != "css/x.css" {
		t.Fatalf("recursive lookup wrong: res=%v owners=%v keys=%v", res, owners, keys)
	}

	if res, _, _ := x.affected("/srv/assets/css/other.css"); len(res) != 0 {
		t.Fatalf("underived path should affect nothing")
	}

	if gone := x.removeDep("/srv/a.txt", r); !gone {
		t.Fatalf("removing the last dep should drop the subscription")
	}
	if res, _, _ := x.affected("/srv/a.txt"); len(res) != 0 {
		t.Fatalf("dropped subscription still matches")
	}
}
