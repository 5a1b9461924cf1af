package storage

import "sync"

// Locks hands out per-id reader/writer locks. Readers of an upload share
// its lock; writers, deletion and expiry hold it exclusively.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sync.RWMutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

func (l *Locks) acquire(id string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	return e
}

func (l *Locks) release(id string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}

// Lock acquires the exclusive lock for id and returns its release func.
func (l *Locks) Lock(id string) func() {
	e := l.acquire(id)
	e.Lock()
	return func() {
		e.Unlock()
		l.release(id, e)
	}
}

// TryLock acquires the exclusive lock for id only if nobody holds it.
// The release func is nil when ok is false.
func (l *Locks) TryLock(id string) (release func(), ok bool) {
	e := l.acquire(id)
	if !e.TryLock() {
		l.release(id, e)
		return nil, false
	}
	return func() {
		e.Unlock()
		l.release(id, e)
	}, true
}

// RLock acquires a shared lock for id and returns its release func.
func (l *Locks) RLock(id string) func() {
	e := l.acquire(id)
	e.RLock()
	return func() {
		e.RUnlock()
		l.release(id, e)
	}
}

// Len returns the number of ids currently locked or waited on.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
