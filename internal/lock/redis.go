package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the subset of the Redis repository the locker needs
type Store interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// RedisLocker is a Locker backed by SET NX with an owner token. Held locks
// are refreshed every ttl/3 until released, so a crashed holder frees its
// keys after at most ttl.
type RedisLocker struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a distributed locker
func NewRedisLocker(store Store, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{store: store, ttl: ttl, logger: logger}
}

// TryLock takes key or returns ErrBusy
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.store.AcquireLock(ctx, key, token, l.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.store.ReleaseLock(rctx, key, token); err != nil {
				l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			ok, err := l.store.ExtendLock(ctx, key, token, l.ttl)
			cancel()
			if err != nil {
				l.logger.Warn("failed to extend lock", zap.String("key", key), zap.Error(err))
				continue
			}
			if !ok {
				l.logger.Error("lost lock before release", zap.String("key", key))
				return
			}
		}
	}
}
