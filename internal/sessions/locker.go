package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a user lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// UserLocker serializes conversation turns per user: a second request for the
// same user blocks until the previous one releases. Different users never
// contend.
type UserLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewUserLocker creates an empty locker.
func NewUserLocker() *UserLocker {
	return &UserLocker{locks: make(map[string]chan struct{})}
}

// Acquire blocks until the user's lock is free, the timeout elapses, or ctx
// is cancelled. It returns a release function that must be called once.
func (l *UserLocker) Acquire(ctx context.Context, username string, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[username]
	if !ok {
		lock = make(chan struct{}, 1)
		l.locks[username] = lock
	}
	l.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case lock <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-lock }) }, nil
	case <-timer:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
