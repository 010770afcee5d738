package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the task queue has no room
var ErrQueueFull = errors.New("worker pool queue full")

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool closed")

// Recomputer recomputes the points of one map
type Recomputer interface {
	RecomputeMap(ctx context.Context, mapID uint, reset bool) error
}

// RecomputeTask asks a worker to recompute one map. Done, if set, receives
// the outcome exactly once.
type RecomputeTask struct {
	MapID uint
	Reset bool
	Done  func(err error)
}

// WorkerPool runs map recomputes on a fixed number of goroutines
type WorkerPool struct {
	jobs        chan RecomputeTask
	workerCount int
	timeout     time.Duration
	recomputer  Recomputer
	logger      *zap.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	metrics     *PoolMetrics

	closeMu sync.RWMutex
	closed  bool
}

// PoolMetrics tracks worker pool performance
type PoolMetrics struct {
	mu              sync.RWMutex
	processed       int64
	failed          int64
	backpressure    int64
	totalProcessing time.Duration
}

// NewWorkerPool creates a new worker pool. Each task runs under its own
// timeout.
func NewWorkerPool(workerCount, queueSize int, timeout time.Duration, recomputer Recomputer, logger *zap.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		jobs:        make(chan RecomputeTask, queueSize),
		workerCount: workerCount,
		timeout:     timeout,
		recomputer:  recomputer,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     &PoolMetrics{},
	}
}

// Start initializes and starts all worker goroutines
func (wp *WorkerPool) Start() {
	wp.logger.Info("starting worker pool",
		zap.Int("workers", wp.workerCount),
		zap.Int("queue_size", cap(wp.jobs)))

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return

		case task, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processTask(id, task)
		}
	}
}

// processTask runs one recompute with panic recovery
func (wp *WorkerPool) processTask(workerID int, task RecomputeTask) {
	var err error
	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker panic recovered",
				zap.Int("worker", workerID),
				zap.Uint("map_id", task.MapID),
				zap.Any("panic", r))
			err = fmt.Errorf("recompute of map %d panicked: %v", task.MapID, r)
		}

		processingTime := time.Since(startTime)
		if err != nil {
			wp.metrics.incrementFailed()
		} else {
			wp.metrics.recordSuccess(processingTime)
		}
		if task.Done != nil {
			task.Done(err)
		}
	}()

	ctx, cancel := context.WithTimeout(wp.ctx, wp.timeout)
	defer cancel()

	err = wp.recomputer.RecomputeMap(ctx, task.MapID, task.Reset)
	if err != nil {
		wp.logger.Warn("map recompute failed",
			zap.Int("worker", workerID),
			zap.Uint("map_id", task.MapID),
			zap.Bool("reset", task.Reset),
			zap.Duration("took", time.Since(startTime)),
			zap.Error(err))
	}
}

// Submit queues a task without blocking
func (wp *WorkerPool) Submit(task RecomputeTask) error {
	wp.closeMu.RLock()
	defer wp.closeMu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.jobs <- task:
		return nil
	default:
		wp.metrics.incrementBackpressure()
		wp.logger.Warn("worker pool queue full", zap.Uint("map_id", task.MapID))
		return ErrQueueFull
	}
}

// SubmitWait queues a task, blocking while the queue is full
func (wp *WorkerPool) SubmitWait(ctx context.Context, task RecomputeTask) error {
	wp.closeMu.RLock()
	defer wp.closeMu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	select {
	case wp.jobs <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish
func (wp *WorkerPool) Shutdown(timeout time.Duration) error {
	wp.closeMu.Lock()
	if wp.closed {
		wp.closeMu.Unlock()
		return nil
	}
	wp.closed = true
	close(wp.jobs)
	wp.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m := wp.GetMetrics()
		wp.logger.Info("worker pool stopped",
			zap.Any("processed", m["processed"]),
			zap.Any("failed", m["failed"]),
			zap.Any("backpressure_events", m["backpressure_events"]))
		return nil

	case <-time.After(timeout):
		wp.cancel()
		// jobs is closed; fail whatever the workers will no longer pick up
		abandoned := 0
		for task := range wp.jobs {
			abandoned++
			if task.Done != nil {
				task.Done(ErrPoolClosed)
			}
		}
		wp.logger.Warn("worker pool shutdown timed out",
			zap.Duration("timeout", timeout),
			zap.Int("abandoned", abandoned))
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

// QueueLen returns the number of queued tasks
func (wp *WorkerPool) QueueLen() int {
	return len(wp.jobs)
}

// GetMetrics returns a snapshot of the pool metrics
func (wp *WorkerPool) GetMetrics() map[string]interface{} {
	wp.metrics.mu.RLock()
	defer wp.metrics.mu.RUnlock()

	avgProcessing := time.Duration(0)
	if wp.metrics.processed > 0 {
		avgProcessing = wp.metrics.totalProcessing / time.Duration(wp.metrics.processed)
	}

	return map[string]interface{}{
		"processed":           wp.metrics.processed,
		"failed":              wp.metrics.failed,
		"backpressure_events": wp.metrics.backpressure,
		"avg_processing_time": avgProcessing.String(),
		"queue_utilization":   fmt.Sprintf("%d/%d", len(wp.jobs), cap(wp.jobs)),
	}
}

func (pm *PoolMetrics) recordSuccess(duration time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.processed++
	pm.totalProcessing += duration
}

func (pm *PoolMetrics) incrementFailed() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.failed++
}

func (pm *PoolMetrics) incrementBackpressure() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.backpressure++
}
