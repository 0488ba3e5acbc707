// Package locks provides a per-entity exclusive section with a bounded
// wait. Every state transition for a given entity acquires its key first,
// so a reply, a sweep and a user-driven call never interleave for the same
// row while different entities proceed fully in parallel.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when the lock cannot be acquired within the wait
// budget. Callers may retry with backoff.
var ErrBusy = errors.New("busy")

type entry struct {
	sem  chan struct{}
	refs int
}

// Keyed is a set of named mutexes. Keys are created on demand and removed
// when the last holder or waiter releases them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

func NewKeyed(wait time.Duration) *Keyed {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Keyed{
		entries: make(map[string]*entry),
		wait:    wait,
	}
}

// Acquire blocks until the key is held, the wait budget elapses, or ctx is
// done. On success the returned func releases the key and must be called
// exactly once.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	timer := time.NewTimer(k.wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			k.release(key, e)
		}, nil
	case <-timer.C:
		k.release(key, e)
		return nil, ErrBusy
	case <-ctx.Done():
		k.release(key, e)
		return nil, ErrBusy
	}
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}
