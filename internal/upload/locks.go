package upload

import "sync"

// lockMap hands out one mutex per upload id. Entries are dropped when the
// last holder or waiter releases them.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*refLock)}
}

// Lock blocks until id is exclusively held and returns the release func.
func (m *lockMap) Lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &refLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

func (m *lockMap) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
