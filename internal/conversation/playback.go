package conversation

import (
	"context"
	"sync"
)

// PlaybackLock is held by exactly one playing task at a time. It is the only
// thing that decides whether audio may start.
type PlaybackLock struct {
	mu       sync.Mutex
	owner    string
	released chan struct{}
}

// NewPlaybackLock returns an unheld lock.
func NewPlaybackLock() *PlaybackLock {
	return &PlaybackLock{}
}

// TryAcquire takes the lock for owner or fails with [ErrPlaybackBusy].
func (l *PlaybackLock) TryAcquire(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released != nil {
		return ErrPlaybackBusy
	}
	l.owner = owner
	l.released = make(chan struct{})
	return nil
}

// Acquire waits until the lock is free or ctx is done.
func (l *PlaybackLock) Acquire(ctx context.Context, owner string) error {
	for {
		if err := l.TryAcquire(owner); err == nil {
			return nil
		}
		l.mu.Lock()
		ch := l.released
		l.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the lock if owner holds it.
func (l *PlaybackLock) Release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released == nil || l.owner != owner {
		return
	}
	close(l.released)
	l.released = nil
	l.owner = ""
}

// Held reports whether some task holds the lock.
func (l *PlaybackLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released != nil
}
