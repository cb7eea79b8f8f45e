package servecache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the closed set of resource backings. Every dispatch site switches
// exhaustively over it.
type Kind uint8

const (
	// KindFileBacked resources read their file fresh on every base-content
	// request. Raw bytes are never retained; only derived compressed variants
	// are cached (keyed to source freshness via the generation counter).
	KindFileBacked Kind = iota + 1
	// KindMemoryCached resources hold base bytes loaded from a source path
	// until invalidated, then re-fetch on the next request.
	KindMemoryCached
	// KindGenerated resources invoke a Generator on demand and carry no
	// filesystem dependency.
	KindGenerated
)

func (k Kind) String() string {
	switch k {
	case KindFileBacked:
		return "file"
	case KindMemoryCached:
		return "memory"
	case KindGenerated:
		return "generated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type baseEntry struct {
	bytes    []byte
	loadedAt time.Time
}

// Resource is one logical content unit, possibly aliased by several URIs.
// Obtain via Cache.Resolve; the struct is owned by the engine.
type Resource struct {
	id          uint64
	kind        Kind
	uri         string // first-mapped URI, for error reporting
	path        string // source path; "" for generated
	contentType string
	generator   Generator

	// removed flips when the last mapping referencing this resource goes
	// away; in-flight builds check it and discard their results.
	removed atomic.Bool

	// held base bytes (KindMemoryCached only); nil after invalidation
	base   atomic.Pointer[baseEntry]
	baseMu sync.Mutex

	// encodings this resource has served, for eager rebuild
	servedMu sync.Mutex
	served   map[string]struct{}
}

func (r *Resource) Kind() Kind { return r.kind }

// Path returns the filesystem source path; empty for generated resources.
func (r *Resource) Path() string { return r.path }

// ContentType returns the content type string from the mapping, opaque to the
// engine. Empty for lazily derived resources and mappings without one.
func (r *Resource) ContentType() string { return r.contentType }

// LoadedAt returns when held base bytes were loaded (memory-cached resources
// only); the zero time when nothing is held.
func (r *Resource) LoadedAt() time.Time {
	if e := r.base.Load(); e != nil {
		return e.loadedAt
	}
	return time.Time{}
}

// ReadBase returns the resource's uncompressed base bytes. No failure outcome
// is ever cached; each call is a fresh attempt.
func (r *Resource) ReadBase(ctx context.Context) ([]byte, error) {
	switch r.kind {
	case KindFileBacked:
		b, err := os.ReadFile(r.path)
		if err != nil {
			return nil, &SourceReadError{Path: r.path, Err: err}
		}
		return b, nil

	case KindMemoryCached:
		if e := r.base.Load(); e != nil {
			return e.bytes, nil
		}
		r.baseMu.Lock()
		defer r.baseMu.Unlock()
		if e := r.base.Load(); e != nil {
			return e.bytes, nil
		}
		b, err := os.ReadFile(r.path)
		if err != nil {
			return nil, &SourceReadError{Path: r.path, Err: err}
		}
		r.base.Store(&baseEntry{bytes: b, loadedAt: time.Now()})
		return b, nil

	case KindGenerated:
		b, err := r.generator.Generate(ctx)
		if err != nil {
			return nil, &GeneratorError{URI: r.uri, Err: err}
		}
		return b, nil

	default:
		return nil, fmt.Errorf("servecache: resource %d has invalid kind %d", r.id, r.kind)
	}
}

// dropBase releases held base bytes so the next ReadBase re-fetches.
func (r *Resource) dropBase() {
	r.base.Store(nil)
}

func (r *Resource) markServed(encoding string) {
	r.servedMu.Lock()
	if r.served == nil {
		r.served = make(map[string]struct{}, 4)
	}
	r.served[encoding] = struct{}{}
	r.servedMu.Unlock()
}

func (r *Resource) servedEncodings() []string {
	r.servedMu.Lock()
	defer r.servedMu.Unlock()
	out := make([]string, 0, len(r.served))
	for e := range r.served {
		out = append(out, e)
	}
	return out
}
