package registry

import (
	"context"
	"sync"
)

// keyedMutex hands out one lock per id. Entries are refcounted and dropped
// when the last holder or waiter leaves, so the map only holds ids that are
// in use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	// sem is a one-slot semaphore; a channel lets waiters give up when
	// their context ends.
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) acquireEntry(id string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[id] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) releaseEntry(id string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
}

// lock blocks until id is free or ctx ends. The returned func unlocks.
func (k *keyedMutex) lock(ctx context.Context, id string) (func(), error) {
	e := k.acquireEntry(id)
	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			k.releaseEntry(id, e)
		}, nil
	case <-ctx.Done():
		k.releaseEntry(id, e)
		return nil, ctx.Err()
	}
}

// tryLock takes the lock for id only if it is free.
func (k *keyedMutex) tryLock(id string) (func(), bool) {
	e := k.acquireEntry(id)
	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			k.releaseEntry(id, e)
		}, true
	default:
		k.releaseEntry(id, e)
		return nil, false
	}
}
