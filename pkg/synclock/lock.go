// Package synclock provides the per-data-source exclusive lock that
// guarantees at most one concurrent sync per data source.
package synclock

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyLocked is returned when the lock is held by another sync.
// Callers fail fast; they never wait for a running sync to finish.
var ErrAlreadyLocked = errors.New("lock is already held")

// Locker acquires exclusive locks by key. Acquire either succeeds and
// returns a release function, or fails immediately with ErrAlreadyLocked.
// Release must be safe to call exactly once, on every exit path.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is a process-local Locker. It is the correct choice for
// single-replica deployments; multi-replica deployments use RedisLocker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process lock registry.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

var _ Locker = (*LocalLocker)(nil)

// Acquire takes the lock for key or fails fast.
func (l *LocalLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, ErrAlreadyLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, nil
}
