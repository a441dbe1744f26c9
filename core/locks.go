package core

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOT LOCKS - Per-lot exclusive lock manager
// =============================================================================

// LotLocks serializes writers per lot. Store implementations acquire a
// lot's lock in LockLot and release it when the surrounding transaction
// ends, so operations on the same lot are strictly ordered while operations
// on different lots proceed in parallel.
type LotLocks struct {
	mu    sync.Mutex
	locks map[LotID]*sync.Mutex
}

func NewLotLocks() *LotLocks {
	return &LotLocks{locks: make(map[LotID]*sync.Mutex)}
}

// DefaultLockWait bounds how long a writer waits for a contended lot before
// the attempt is surfaced as a retryable conflict. This stands in for the
// database's own lock-wait timeout.
const DefaultLockWait = 5 * time.Second

func (l *LotLocks) lockFor(id LotID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// Acquire blocks until the lot's lock is held, the context is done, or
// DefaultLockWait elapses. Timeout and cancellation both surface as a
// retryable ConflictError so the caller may resubmit.
func (l *LotLocks) Acquire(ctx context.Context, id LotID) (release func(), err error) {
	m := l.lockFor(id)

	deadline := time.NewTimer(DefaultLockWait)
	defer deadline.Stop()

	for {
		if m.TryLock() {
			return m.Unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, &ConflictError{Reason: "lot lock wait canceled", Retryable: true}
		case <-deadline.C:
			return nil, &ConflictError{Reason: "lot lock wait timed out", Retryable: true}
		case <-time.After(time.Millisecond):
		}
	}
}
