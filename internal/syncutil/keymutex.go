// Package syncutil provides keyed locking primitives for serializing
// operations on a single escrow while leaving unrelated escrows independent.
package syncutil

import (
	"context"
	"sync"
)

// KeyMutex is a set of channel-based mutexes keyed by string. Entries are
// created on first use and removed once no goroutine holds or waits on them,
// so the map does not grow with the total number of escrows ever seen.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyMutex creates an empty keyed mutex set.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*keyEntry)}
}

func (m *KeyMutex) acquire(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // start unlocked
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyMutex) release(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// TryLock attempts to acquire the mutex for key without blocking. On success
// it returns an unlock function and true; if another goroutine holds the key
// it returns (nil, false). Callers reject concurrent work on the same escrow
// rather than queueing it, so legality checks never interleave.
func (m *KeyMutex) TryLock(key string) (func(), bool) {
	e := m.acquire(key)
	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			m.release(key, e)
		}, true
	default:
		m.release(key, e)
		return nil, false
	}
}

// LockContext acquires the mutex for key, waiting until it is available or
// ctx is cancelled. On success the caller must invoke the returned unlock
// function exactly once.
func (m *KeyMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)
	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			m.release(key, e)
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}
