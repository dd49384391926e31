package reaction

import "sync"

// SubjectLocks hands out one mutex per subject. Entries are reference
// counted and dropped when the last holder unlocks, so the map only holds
// subjects with a call in flight.
type SubjectLocks struct {
	mu    sync.Mutex
	locks map[SubjectID]*subjectLock
}

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func NewSubjectLocks() *SubjectLocks {
	return &SubjectLocks{locks: make(map[SubjectID]*subjectLock)}
}

// Lock blocks until the subject's critical section is free and returns the
// function that releases it.
func (l *SubjectLocks) Lock(id SubjectID) (unlock func()) {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &subjectLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// Held returns how many subjects currently have a holder or waiter.
func (l *SubjectLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
