package session

import "sync"

// threadLocks serializes turns per thread id. Turns on different threads do
// not contend; turns on the same thread are admitted in lock-acquisition
// order, which fixes the message append order.
type threadLocks struct {
	mu    sync.Mutex
	locks map[int64]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[int64]*threadLock)}
}

// acquire blocks until the caller holds the thread's lock.
func (l *threadLocks) acquire(threadID int64) *threadLock {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return tl
}

// release unlocks and drops the entry once no turn is waiting on it.
func (l *threadLocks) release(threadID int64, tl *threadLock) {
	tl.mu.Unlock()

	l.mu.Lock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
	l.mu.Unlock()
}
