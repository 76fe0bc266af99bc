package engine

import (
	"sync"
)

// lockTable provides per-key mutual exclusion: operations on the same task
// id are serialized, operations on different task ids proceed concurrently.
// Lock entries are reference counted and removed when the last holder or
// waiter releases, so the table does not grow with the task id space.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire returns the entry for key with its refcount incremented.
func (t *lockTable) acquire(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	e.refs++
	return e
}

// release decrements the refcount and drops the entry when it reaches zero.
func (t *lockTable) release(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock blocks until the key's lock is held and returns the release func.
func (t *lockTable) Lock(key string) func() {
	e := t.acquire(key)
	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			t.release(key, e)
		})
	}
}

// TryLock attempts to take the key's lock without blocking. The overdue
// sweep uses this to skip tasks held by an in-flight caller operation
// rather than stalling the whole cycle.
func (t *lockTable) TryLock(key string) (func(), bool) {
	e := t.acquire(key)
	if !e.mu.TryLock() {
		t.release(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			t.release(key, e)
		})
	}, true
}
