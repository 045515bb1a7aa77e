// Package asynchook wraps a nwloader.Hooks implementation so that calls
// into it never block the caller (a Loader's read/refresh path). Events
// are queued and dispatched from a small worker pool; a full queue drops
// the event rather than applying backpressure to the cache.
//
// usage:
//
//	hooks := asynchook.New(mySlogHooks, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	ld, _ := nwloader.New[User]("user", fetchUser, nwloader.Options[User]{
//	    Store: store,
//	    Hooks: hooks,
//	})
package asynchook

import (
	"sync"

	nwloader "github.com/longbill/nw-loader"
)

type Hooks struct {
	inner nwloader.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ nwloader.Hooks = (*Hooks)(nil)

func New(inner nwloader.Hooks, workers, qlen int) *Hooks {
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

// Close drains the queue and stops all workers. Safe to call multiple
// times.
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

func (h *Hooks) SelfHeal(dataKey, reason string) {
	h.try(func() { h.inner.SelfHeal(dataKey, reason) })
}
func (h *Hooks) BackgroundFailure(name, key string, err error) {
	h.try(func() { h.inner.BackgroundFailure(name, key, err) })
}
func (h *Hooks) LockContended(lockKey string, waited bool) {
	h.try(func() { h.inner.LockContended(lockKey, waited) })
}
func (h *Hooks) StoreFailure(op, key string, err error) {
	h.try(func() { h.inner.StoreFailure(op, key, err) })
}
