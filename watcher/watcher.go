// Package watcher emits filesystem change events for the invalidation
// coordinator. Two backends exist: FSNotify (OS notification API, default) and
// Poll (mtime scanning, for filesystems without notification support).
//
// Backends deliver a lazy, infinite sequence of debounced events on the
// Events channel. The channel is never closed; Close stops emission, and a
// fresh backend can be constructed to restart the sequence. Event paths are
// anything under a watched location — the consumer filters against its own
// dependency index, so unmatched events are cheap no-ops.
package watcher

import "time"

// Kind classifies a change event.
type Kind uint8

const (
	Created Kind = iota + 1
	Modified
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one debounced filesystem change.
type Event struct {
	Path string
	Kind Kind
	Time time.Time
}

// Watcher is a pluggable change-event source. Implementations must be safe
// for concurrent use. Add/Remove subscribe and unsubscribe paths; for
// directories, recursive extends the subscription to the whole subtree.
type Watcher interface {
	Add(path string, recursive bool) error
	Remove(path string) error
	Events() <-chan Event
	Close() error
}

const (
	// DefaultDebounce is the window within which rapid events for one path are
	// coalesced. Editors that write multiple times (or write-then-rename) land
	// well inside it.
	DefaultDebounce = 100 * time.Millisecond

	defaultBuffer = 64
)

// Options tune a backend.
type Options struct {
	Debounce time.Duration // 0 => DefaultDebounce
	Buffer   int           // Events channel capacity; 0 => 64
	OnError  func(error)   // runtime backend errors; nil => dropped
}

func (o Options) debounce() time.Duration {
	if o.Debounce <= 0 {
		return DefaultDebounce
	}
	return o.Debounce
}

func (o Options) buffer() int {
	if o.Buffer <= 0 {
		return defaultBuffer
	}
	return o.Buffer
}

// Degraded returns a watcher that never emits. The engine falls back to it
// when the real backend cannot be initialized: the cache keeps serving, it
// just stops seeing filesystem changes.
func Degraded() Watcher { return degraded{} }

type degraded struct{}

func (degraded) Add(string, bool) error { return nil }
func (degraded) Remove(string) error    { return nil }
func (degraded) Events() <-chan Event   { return nil }
func (degraded) Close() error           { return nil }

// mergeKinds folds a new raw event kind into a pending one within a debounce
// window. Removal followed by re-creation (atomic replace) is a modification.
func mergeKinds(pending, next Kind) Kind {
	if pending == Removed && next == Created {
		return Modified
	}
	return next
}
