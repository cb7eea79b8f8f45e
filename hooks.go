package servecache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A variant entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "gen_mismatch"}
	SelfHealVariant(storageKey, reason string)

	// A completed build was discarded instead of stored.
	// reason ∈ {"gen_moved", "unmapped"}
	StaleBuildDiscarded(storageKey string, observedGen uint64, reason string)

	// A resource had its variants evicted (watch event, unmap, or explicit
	// invalidation). newGen is the generation after the bump.
	ResourceInvalidated(path string, newGen uint64)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// The watch backend failed; the cache continues without invalidation.
	// Reported once per engine.
	WatcherDegraded(err error)

	// An eager rebuild attempt failed. Lazy requests will retry.
	EagerRebuildError(storageKey string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHealVariant(string, string)            {}
func (NopHooks) StaleBuildDiscarded(string, uint64, string) {}
func (NopHooks) ResourceInvalidated(string, uint64)         {}
func (NopHooks) ProviderSetRejected(string)                 {}
func (NopHooks) WatcherDegraded(error)                      {}
func (NopHooks) EagerRebuildError(string, error)            {}
