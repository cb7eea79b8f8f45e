package servecache

import (
	"context"
	"time"

	enc "github.com/unkn0wn-root/servecache/encoding"
	gen "github.com/unkn0wn-root/servecache/genstore"
	pr "github.com/unkn0wn-root/servecache/provider"
	"github.com/unkn0wn-root/servecache/watcher"
)

// Policy selects what happens to a resource's variants after invalidation.
type Policy uint8

const (
	// PolicyLazy (default) only evicts; the next request rebuilds.
	PolicyLazy Policy = iota
	// PolicyEager also triggers an asynchronous rebuild of the encodings the
	// resource has actually served. Lazy requests still work in the meantime.
	PolicyEager
)

// Generator produces base bytes on demand for a generated resource.
// Failures are returned to the caller wrapped in GeneratorError and are never
// cached; every call is a fresh attempt.
type Generator interface {
	Generate(ctx context.Context) ([]byte, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context) ([]byte, error)

func (f GeneratorFunc) Generate(ctx context.Context) ([]byte, error) { return f(ctx) }

// MappingSpec describes one mapping entry. Exactly one of Path, Dir or
// Generator must be set:
//
//   - Path: URI maps to a single file. MemoryCache selects whether base bytes
//     are held in memory (re-fetched after invalidation) or read fresh per
//     request.
//   - Dir: URI is a directory-prefix mount; URIs under it resolve to files
//     beneath Dir, created lazily on first resolve and watched recursively.
//   - Generator: URI maps to a generated resource with no filesystem
//     dependency.
//
// Mapping a second URI to an already-mapped Path aliases the existing
// resource: the alias shares its variants and builds, and the original
// mapping's MemoryCache and ContentType settings stay in effect regardless of
// what the aliasing spec carries.
type MappingSpec struct {
	URI         string
	Path        string
	Dir         string
	Generator   Generator
	MemoryCache bool
	ContentType string // opaque to the engine; surfaced on the Resource
}

// Content is the outcome of GetBytes: the encoded bytes, the content-coding
// actually used ("identity" when uncompressed) and the encoded length.
type Content struct {
	Bytes    []byte
	Encoding string
	Length   int
}

// Cache is the resource cache and invalidation engine. All methods are safe
// for concurrent use. Resolve/GetBytes form the request path; Map/Unmap are
// rare and serialized internally.
type Cache interface {
	// Resolve maps a URI to its Resource: exact match first, then the longest
	// matching directory-prefix mount. Unmapped URIs return MappingNotFoundError.
	Resolve(uri string) (*Resource, error)

	// GetBytes returns the resource's bytes in the first usable encoding from
	// acceptedEncodings (caller preference order; unknown codings are skipped;
	// "identity" always works, and is the fallback for an empty list).
	GetBytes(ctx context.Context, res *Resource, acceptedEncodings []string) (Content, error)

	// Map registers a mapping. Registering a second URI for an already-mapped
	// file path aliases the existing resource.
	Map(spec MappingSpec) error
	// Unmap removes a mapping. It never blocks on in-flight builds; their
	// results are discarded instead of stored.
	Unmap(uri string) error

	// Invalidate evicts all variants of the resource mapped at uri and bumps
	// its generation. This is the manual path for generated resources, which
	// have no filesystem trigger.
	Invalidate(ctx context.Context, uri string) error

	// Warm builds all configured encodings for the resource mapped at uri,
	// through the same coalesced build path requests use.
	Warm(ctx context.Context, uri string) error

	Close(ctx context.Context) error
}

// Options tune the engine. Everything is optional; the zero value yields an
// in-memory provider, gzip/deflate/zstd encoders, an fsnotify watcher and lazy
// invalidation.
type Options struct {
	Namespace string             // storage key namespace; default "res"
	Provider  pr.Provider        // nil => provider/memory
	Encoders  []enc.Encoder      // nil => gzip, deflate, zstd
	Watcher   watcher.Watcher    // nil => fsnotify backend (degraded no-events mode on init failure)
	GenStore  gen.GenStore       // nil => in-process LocalGenStore
	Logger    Logger             // nil => NopLogger
	Hooks     Hooks              // nil => NopHooks
	Policy    Policy             // default PolicyLazy

	VariantTTL      time.Duration // provider TTL for stored variants; 0 => no expiry (generations gate validity)
	CleanupInterval time.Duration // gen store sweep; 0 => 1h
	GenRetention    time.Duration // gen store retention; 0 => 30d

	// Disabled bypasses the variant store entirely: every request reads base
	// content and compresses on demand (fast level). Builds are still
	// coalesced. Mirrors running the server with caching turned off.
	Disabled bool
}

func New(opts Options) (Cache, error) {
	return newCache(opts)
}
