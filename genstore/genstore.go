// Package genstore holds per-resource generation counters. A generation is
// snapshotted before a build reads base content; invalidation bumps it, so a
// finished build can detect that its inputs went stale and must not be stored.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live. The engine is single-process, so
// LocalGenStore is the only shipped implementation; the interface exists so
// tests can observe or fault-inject generation traffic.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes entries not bumped within retention.
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
