// Package lock provides keyed mutual exclusion for map recomputes and sweeps.
// MemoryLocker covers a single process; RedisLocker covers every instance
// sharing a Redis.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned by TryLock when someone else holds the key
var ErrBusy = errors.New("lock is held")

// Locker hands out non-blocking exclusive locks keyed by name.
// The returned release func is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// MemoryLocker is an in-process Locker
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// TryLock takes key or returns ErrBusy
func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrBusy
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
