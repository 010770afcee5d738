// Package tracker keeps the set of maps whose points are stale.
//
// The durable record is the map's compute_points flag in Postgres. The queue
// is a fast path so a sweep does not have to scan every map; a periodic
// rescan of the flags picks up anything the queue lost.
package tracker

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Store is the ledger surface the tracker needs
type Store interface {
	MarkMapDirty(ctx context.Context, mapID uint) error
	DirtyMapIDs(ctx context.Context) ([]uint, error)
}

// Tracker marks maps dirty and hands pending maps to the scheduler
type Tracker struct {
	store     Store
	queue     Queue
	batchSize int
	logger    *zap.Logger
}

// New creates a tracker. batchSize caps how many queued maps one Pending call
// pops; zero means no cap.
func New(store Store, queue Queue, batchSize int, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:     store,
		queue:     queue,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Mark sets the map's durable flag and queues it. A queue failure is only
// logged: the flag is already set and the next rescan will find it.
func (t *Tracker) Mark(ctx context.Context, mapID uint) error {
	if err := t.store.MarkMapDirty(ctx, mapID); err != nil {
		return fmt.Errorf("failed to mark map %d dirty: %w", mapID, err)
	}
	t.Enqueue(ctx, mapID)
	return nil
}

// Enqueue queues maps whose flag was already set in the caller's transaction
func (t *Tracker) Enqueue(ctx context.Context, mapIDs ...uint) {
	if err := t.queue.Push(ctx, mapIDs...); err != nil {
		t.logger.Warn("failed to queue dirty maps, waiting for rescan",
			zap.Uints("map_ids", mapIDs), zap.Error(err))
	}
}

// Pending pops queued maps and, with rescan set, unions every flagged map.
// The result is sorted and free of duplicates.
func (t *Tracker) Pending(ctx context.Context, rescan bool) ([]uint, error) {
	queued, err := t.queue.Pop(ctx, t.batchSize)
	if err != nil {
		if !rescan {
			return nil, fmt.Errorf("failed to pop pending maps: %w", err)
		}
		t.logger.Warn("failed to pop pending maps, using rescan only", zap.Error(err))
	}

	ids := queued
	if rescan {
		flagged, err := t.store.DirtyMapIDs(ctx)
		if err != nil {
			// keep what was popped
			t.Enqueue(ctx, queued...)
			return nil, fmt.Errorf("failed to scan dirty maps: %w", err)
		}
		ids = append(ids, flagged...)
	}
	return dedupe(ids), nil
}

// Requeue puts maps back for the next sweep
func (t *Tracker) Requeue(ctx context.Context, mapIDs ...uint) {
	if len(mapIDs) == 0 {
		return
	}
	t.Enqueue(ctx, mapIDs...)
}

// QueueLen reports the queue backlog
func (t *Tracker) QueueLen(ctx context.Context) (int64, error) {
	return t.queue.Len(ctx)
}

func dedupe(ids []uint) []uint {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
