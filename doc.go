// Package servecache implements a content-serving cache for HTTP servers: it maps
// request URIs to resources backed by the filesystem, in-memory bytes, or
// programmatic generators, and serves each resource's bytes in a negotiated
// content-encoding while staying consistent with the filesystem as files change.
//
// Consistency is generation-based. Every resource carries a generation counter;
// a build snapshots the generation before reading base content and its result is
// stored only if the generation is unchanged. Invalidation bumps the generation
// and clears stored variants, so a slow in-flight build can never re-publish
// stale bytes — its waiters still receive the result, it just isn't stored.
//
// Components:
//   - Mapping table: URI -> Resource. Exact match first, then longest matching
//     directory-prefix mount. Reads resolve against an immutable snapshot.
//   - Resource: file-backed (read fresh each time), memory-cached (held bytes,
//     re-fetched after invalidation), or generated (capability invoked on demand).
//   - Variant store: per (resource, encoding) encoded bytes, built lazily and
//     coalesced so concurrent requests share one base read and one compression
//     pass. Bytes live in a pluggable Provider (memory, Ristretto, BigCache).
//   - Watcher: filesystem change events with per-path debouncing, consumed by
//     the invalidation coordinator.
//
// Keys:
//
//	variant:<ns>:<id>:<encoding>  - encoded variant entries
//	res:<ns>:<id>                 - per-resource generation counters
//
// Typical use:
//
//	c, _ := servecache.New(servecache.Options{})
//	_ = c.Map(servecache.MappingSpec{URI: "/a.txt", Path: "static/a.txt"})
//	res, _ := c.Resolve("/a.txt")
//	out, _ := c.GetBytes(ctx, res, encoding.ParseAccept(r.Header.Get("Accept-Encoding")))
package servecache
