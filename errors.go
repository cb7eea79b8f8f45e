package servecache

import (
	"errors"
	"fmt"
)

// MappingNotFoundError reports that no mapping resolves the requested URI.
// It is a normal outcome; servers typically translate it to a 404.
type MappingNotFoundError struct {
	URI string
}

func (e *MappingNotFoundError) Error() string {
	return fmt.Sprintf("servecache: no mapping for %q", e.URI)
}

// IsMappingNotFound reports whether err is (or wraps) a MappingNotFoundError.
func IsMappingNotFound(err error) bool {
	var e *MappingNotFoundError
	return errors.As(err, &e)
}

// SourceReadError reports an I/O failure reading file-backed base content.
// The failure is never cached; the next request retries the read.
type SourceReadError struct {
	Path string
	Err  error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("servecache: read %q: %v", e.Path, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// GeneratorError reports a failure from a generator capability. Like source
// read failures, generator failures are per-call and never cached.
type GeneratorError struct {
	URI string
	Err error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("servecache: generator for %q: %v", e.URI, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// WatchBackendError reports that the change-watcher backend is unavailable.
// The cache keeps serving without further invalidation; the error is surfaced
// once through the logger and hooks rather than terminating anything.
type WatchBackendError struct {
	Err error
}

func (e *WatchBackendError) Error() string {
	return fmt.Sprintf("servecache: watch backend unavailable: %v", e.Err)
}

func (e *WatchBackendError) Unwrap() error { return e.Err }
