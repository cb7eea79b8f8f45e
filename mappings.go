package servecache

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// mount is a directory-prefix mapping: URIs under prefix resolve to files
// beneath dir. Derived per-file resources are created lazily on first resolve
// and cached on the mount, which lives across table snapshots so the cache
// survives unrelated Map/Unmap calls.
type mount struct {
	prefix string // URI prefix, cleaned, trailing "/"
	dir    string // filesystem root, cleaned

	removed atomic.Bool

	mu      sync.Mutex
	derived map[string]*Resource // rel URI path -> resource
}

// mappingTable is an immutable snapshot. Readers load it via an atomic
// pointer; Map/Unmap build a modified copy and swap, so no reader ever
// observes a partially-updated table.
type mappingTable struct {
	exact  map[string]*Resource
	mounts []*mount // sorted by descending prefix length
}

func newMappingTable() *mappingTable {
	return &mappingTable{exact: map[string]*Resource{}}
}

// clone copies the snapshot's containers (the resources and mounts themselves
// are shared).
func (t *mappingTable) clone() *mappingTable {
	nt := &mappingTable{
		exact:  make(map[string]*Resource, len(t.exact)+1),
		mounts: append([]*mount(nil), t.mounts...),
	}
	for k, v := range t.exact {
		nt.exact[k] = v
	}
	return nt
}

func (t *mappingTable) addMount(m *mount) {
	t.mounts = append(t.mounts, m)
	sort.Slice(t.mounts, func(i, j int) bool {
		return len(t.mounts[i].prefix) > len(t.mounts[j].prefix)
	})
}

func (t *mappingTable) removeMount(prefix string) *mount {
	for i, m := range t.mounts {
		if m.prefix == prefix {
			t.mounts = append(t.mounts[:i:i], t.mounts[i+1:]...)
			return m
		}
	}
	return nil
}

// matchMount finds the longest directory-prefix mount containing uri and
// returns the relative remainder. Mounts are sorted by descending prefix
// length, so the first hit is the longest.
func (t *mappingTable) matchMount(uri string) (*mount, string, bool) {
	for _, m := range t.mounts {
		if strings.HasPrefix(uri, m.prefix) {
			rel := uri[len(m.prefix):]
			if rel != "" {
				return m, rel, true
			}
		}
	}
	return nil, "", false
}

// canonicalURI cleans a request URI into table-key form: rooted, no dot
// segments, no trailing slash (except "/"). Cleaning happens before prefix
// matching, so "/static/../etc/passwd" can never land inside a mount.
func canonicalURI(uri string) string {
	if uri == "" {
		return "/"
	}
	return path.Clean("/" + uri)
}

// mountPrefix normalizes a mount's URI prefix to cleaned, trailing-"/" form.
func mountPrefix(uri string) string {
	p := canonicalURI(uri)
	if p == "/" {
		return "/"
	}
	return p + "/"
}

// Resolve implements Cache.
func (c *cache) Resolve(uri string) (*Resource, error) {
	u := canonicalURI(uri)
	t := c.table.Load()
	if r, ok := t.exact[u]; ok {
		return r, nil
	}
	if m, rel, ok := t.matchMount(u); ok {
		if r, err := c.resolveMount(m, rel, u); err == nil {
			return r, nil
		}
	}
	return nil, &MappingNotFoundError{URI: uri}
}

// resolveMount returns the derived resource for rel under m, creating it on
// first resolve. A URI probing a path with no file behind it resolves to
// nothing and caches nothing, so later-created files are picked up and random
// probes can't grow the derived set.
func (c *cache) resolveMount(m *mount, rel, uri string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed.Load() {
		return nil, &MappingNotFoundError{URI: uri}
	}
	if r, ok := m.derived[rel]; ok {
		return r, nil
	}
	full := filepath.Join(m.dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, &MappingNotFoundError{URI: uri}
	}
	r := c.newResource(KindFileBacked, uri, full, "", nil)
	m.derived[rel] = r
	return r, nil
}

// derivedFor looks up an existing derived resource for an absolute file path
// under the mount; used by the invalidation coordinator.
func (m *mount) derivedFor(fullPath string) (*Resource, string, bool) {
	rel, err := filepath.Rel(m.dir, fullPath)
	if err != nil {
		return nil, "", false
	}
	key := filepath.ToSlash(rel)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.derived[key]
	return r, key, ok
}

// derivedSnapshot copies the derived set without clearing it.
func (m *mount) derivedSnapshot() map[string]*Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Resource, len(m.derived))
	for k, r := range m.derived {
		out[k] = r
	}
	return out
}

func (m *mount) dropDerived(key string) {
	m.mu.Lock()
	delete(m.derived, key)
	m.mu.Unlock()
}

// allDerived snapshots the derived set for teardown.
func (m *mount) allDerived() []*Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Resource, 0, len(m.derived))
	for _, r := range m.derived {
		out = append(out, r)
	}
	m.derived = map[string]*Resource{}
	return out
}
