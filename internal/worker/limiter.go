package worker

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SessionLimiter bounds how many jobs run concurrently per session,
// independent of which queue they arrived on. One limiter is shared by
// every worker pool. The limit is captured the first time a session is
// seen; config changes apply once the session goes idle.
type SessionLimiter struct {
	mu   sync.Mutex
	sems map[string]*sessionSlot
}

type sessionSlot struct {
	sem    *semaphore.Weighted
	active int
}

// NewSessionLimiter creates an empty limiter.
func NewSessionLimiter() *SessionLimiter {
	return &SessionLimiter{sems: make(map[string]*sessionSlot)}
}

// Acquire blocks until the session has a free slot or the context ends.
// A successful Acquire must be paired with Release.
func (l *SessionLimiter) Acquire(ctx context.Context, sessionID string, limit int) error {
	if limit <= 0 {
		limit = 1
	}

	l.mu.Lock()
	slot, ok := l.sems[sessionID]
	if !ok {
		slot = &sessionSlot{sem: semaphore.NewWeighted(int64(limit))}
		l.sems[sessionID] = slot
	}
	slot.active++
	l.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		l.mu.Lock()
		slot.active--
		if slot.active == 0 {
			delete(l.sems, sessionID)
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// Release frees the slot taken by Acquire.
func (l *SessionLimiter) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.sems[sessionID]
	if !ok {
		return
	}
	slot.sem.Release(1)
	slot.active--
	if slot.active == 0 {
		delete(l.sems, sessionID)
	}
}
