// Package asynchook decorates a Hooks implementation so hook work runs off
// the request path. Events that don't fit the queue are dropped rather than
// blocking the cache.
//
//	raw := myMetricsHooks{}
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	c, _ := servecache.New(servecache.Options{Hooks: hooks})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/servecache"
)

type Hooks struct {
	inner servecache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ servecache.Hooks = (*Hooks)(nil)

func New(inner servecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHealVariant(k, r string) { h.try(func() { h.inner.SelfHealVariant(k, r) }) }
func (h *Hooks) StaleBuildDiscarded(k string, g uint64, r string) {
	h.try(func() { h.inner.StaleBuildDiscarded(k, g, r) })
}
func (h *Hooks) ResourceInvalidated(p string, g uint64) {
	h.try(func() { h.inner.ResourceInvalidated(p, g) })
}
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) WatcherDegraded(err error)    { h.try(func() { h.inner.WatcherDegraded(err) }) }
func (h *Hooks) EagerRebuildError(k string, err error) {
	h.try(func() { h.inner.EagerRebuildError(k, err) })
}
