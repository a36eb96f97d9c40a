package engine

import "sync"

// invLocks serializes state transitions per invocation while letting
// different invocations advance in parallel. Entries are reference-counted
// so the map does not grow with finished invocations.
type invLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newInvLocks() *invLocks {
	return &invLocks{entries: make(map[string]*lockEntry)}
}

// lock acquires the per-invocation mutex and returns its release func.
func (l *invLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
