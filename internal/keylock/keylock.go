// Package keylock provides mutual exclusion per string key. Entries are
// reference counted and dropped when the last holder unlocks.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Map struct {
	mu sync.Mutex
	m  map[string]*entry
}

func New() *Map { return &Map{m: map[string]*entry{}} }

// Lock blocks until key is free and returns the matching unlock.
func (l *Map) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e := l.m[key]
	if e == nil {
		e = &entry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.m, key)
			}
			l.mu.Unlock()
		})
	}
}

// TryLock is Lock without waiting. ok is false if key is held.
func (l *Map) TryLock(key string) (unlock func(), ok bool) {
	l.mu.Lock()
	e := l.m[key]
	if e == nil {
		e = &entry{}
		l.m[key] = e
	}
	if !e.mu.TryLock() {
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
		return nil, false
	}
	e.refs++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.m, key)
			}
			l.mu.Unlock()
		})
	}, true
}

// Len reports how many keys are currently held or awaited.
func (l *Map) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
