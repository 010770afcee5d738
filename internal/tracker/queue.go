package tracker

import (
	"context"
	"sync"
)

// Queue is a set of map IDs waiting for a recompute. Pushing an ID that is
// already queued is a no-op.
type Queue interface {
	Push(ctx context.Context, mapIDs ...uint) error
	Pop(ctx context.Context, max int) ([]uint, error)
	Len(ctx context.Context) (int64, error)
}

// PendingStore is the Redis repository's pending-set surface
type PendingStore interface {
	PushPending(ctx context.Context, mapIDs ...uint) error
	PopPending(ctx context.Context, max int) ([]uint, error)
	PendingCount(ctx context.Context) (int64, error)
}

// RedisQueue shares the pending set between instances
type RedisQueue struct {
	store PendingStore
}

// NewRedisQueue wraps a pending store
func NewRedisQueue(store PendingStore) *RedisQueue {
	return &RedisQueue{store: store}
}

func (q *RedisQueue) Push(ctx context.Context, mapIDs ...uint) error {
	return q.store.PushPending(ctx, mapIDs...)
}

func (q *RedisQueue) Pop(ctx context.Context, max int) ([]uint, error) {
	return q.store.PopPending(ctx, max)
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.store.PendingCount(ctx)
}

// MemoryQueue is an in-process Queue that pops in insertion order
type MemoryQueue struct {
	mu    sync.Mutex
	order []uint
	set   map[uint]struct{}
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{set: make(map[uint]struct{})}
}

func (q *MemoryQueue) Push(_ context.Context, mapIDs ...uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range mapIDs {
		if _, ok := q.set[id]; ok {
			continue
		}
		q.set[id] = struct{}{}
		q.order = append(q.order, id)
	}
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context, max int) ([]uint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.order) {
		max = len(q.order)
	}
	out := make([]uint, max)
	copy(out, q.order[:max])
	q.order = q.order[max:]
	for _, id := range out {
		delete(q.set, id)
	}
	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.order)), nil
}
