package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"racesow/internal/lock"
	"racesow/internal/metrics"
	"racesow/internal/tracker"
	"racesow/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// sweepLockKey serializes sweeps and full recomputes across instances
	sweepLockKey = "sweep"

	fullRecomputeKey = "full"
)

// ErrFullRecomputeBusy is returned when another instance holds the sweep lock
var ErrFullRecomputeBusy = errors.New("another sweep is running")

// Ledger is the part of the repository the scheduler drives directly
type Ledger interface {
	ResetAggregates(ctx context.Context) error
	AllMapIDs(ctx context.Context) ([]uint, error)
	MapsNeedingRecompute(ctx context.Context) ([]uint, error)
	MarkRacesUnscored(ctx context.Context, mapID uint) error
}

// MirrorSyncer rebuilds read-side caches after a full recompute
type MirrorSyncer interface {
	SyncMirror(ctx context.Context) error
}

// SchedulerConfig holds the sweep settings
type SchedulerConfig struct {
	Interval    time.Duration // between incremental sweeps
	RescanEvery int           // every Nth tick also scans durable flags
	MaxPasses   int           // follow-up passes after a full reset
}

// SweepSummary reports one incremental or reset pass
type SweepSummary struct {
	ID       string        `json:"id"`
	Reset    bool          `json:"reset"`
	Skipped  bool          `json:"skipped"`
	Maps     int           `json:"maps"`
	Failed   []uint        `json:"failed,omitempty"`
	Busy     []uint        `json:"busy,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FullSummary reports a full recompute
type FullSummary struct {
	ID        string         `json:"id"`
	Reset     SweepSummary   `json:"reset"`
	FollowUps []SweepSummary `json:"follow_ups"`
	Remaining []uint         `json:"remaining,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Scheduler runs incremental sweeps on a ticker and full recomputes on demand
type Scheduler struct {
	ledger  Ledger
	tracker *tracker.Tracker
	pool    *worker.WorkerPool
	locker  lock.Locker
	mirror  MirrorSyncer
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     SchedulerConfig

	// one sweep or full recompute per process at a time
	sweepMu sync.Mutex
	group   singleflight.Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
	fullBusy atomic.Bool

	ticks     atomic.Int64
	lastTick  atomic.Int64 // unix nanos
	sweeps    atomic.Int64
	failures  atomic.Int64
	startTime time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(
	ledger Ledger,
	tr *tracker.Tracker,
	pool *worker.WorkerPool,
	locker lock.Locker,
	mirror MirrorSyncer,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RescanEvery <= 0 {
		cfg.RescanEvery = 10
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 10
	}
	return &Scheduler{
		ledger:  ledger,
		tracker: tr,
		pool:    pool,
		locker:  locker,
		mirror:  mirror,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	s.startTime = time.Now()
	s.lastTick.Store(s.startTime.UnixNano())

	s.logger.Info("recompute scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("rescan_every", s.cfg.RescanEvery))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop ends the sweep loop and waits for a running sweep to finish
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.running.Store(false)

	s.logger.Info("recompute scheduler stopped",
		zap.Int64("sweeps", s.sweeps.Load()),
		zap.Int64("failed_maps", s.failures.Load()),
		zap.Duration("uptime", time.Since(s.startTime).Round(time.Second)))
}

// IsRunning reports whether the sweep loop is active
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// NextRun estimates when the next incremental sweep starts
func (s *Scheduler) NextRun() time.Time {
	return time.Unix(0, s.lastTick.Load()).Add(s.cfg.Interval)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case t := <-ticker.C:
			s.lastTick.Store(t.UnixNano())
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce recomputes every pending map. It is skipped, not queued, when
// another sweep or a full recompute is running.
func (s *Scheduler) SweepOnce(ctx context.Context) (SweepSummary, error) {
	if s.fullBusy.Load() || !s.sweepMu.TryLock() {
		s.metrics.ObserveSweep(0, true, nil)
		return SweepSummary{Skipped: true}, nil
	}
	defer s.sweepMu.Unlock()

	release, err := s.locker.TryLock(ctx, sweepLockKey)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			s.metrics.ObserveSweep(0, true, nil)
			return SweepSummary{Skipped: true}, nil
		}
		s.metrics.ObserveSweep(0, false, err)
		return SweepSummary{}, fmt.Errorf("failed to take sweep lock: %w", err)
	}
	defer release()

	tick := s.ticks.Add(1)
	rescan := (tick-1)%int64(s.cfg.RescanEvery) == 0

	ids, err := s.tracker.Pending(ctx, rescan)
	if err != nil {
		s.metrics.ObserveSweep(0, false, err)
		return SweepSummary{}, err
	}
	summary := s.sweepMaps(ctx, ids, false)
	s.metrics.ObserveSweep(len(ids), false, nil)
	return summary, nil
}

// sweepMaps runs one recompute task per map and waits for all of them.
// Maps that fail or are busy go back on the queue; their durable flag is
// still set because a failed recompute rolls back. In reset mode a failed
// map's races are returned to the unscored sentinel so later incremental
// passes add their full value to the zeroed aggregates.
func (s *Scheduler) sweepMaps(ctx context.Context, ids []uint, reset bool) SweepSummary {
	start := time.Now()
	summary := SweepSummary{ID: uuid.NewString(), Reset: reset, Maps: len(ids)}
	if len(ids) == 0 {
		return summary
	}

	type outcome struct {
		mapID uint
		err   error
	}
	results := make(chan outcome, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		task := worker.RecomputeTask{
			MapID: id,
			Reset: reset,
			Done: func(err error) {
				results <- outcome{mapID: id, err: err}
				wg.Done()
			},
		}
		if err := s.pool.SubmitWait(ctx, task); err != nil {
			results <- outcome{mapID: id, err: err}
			wg.Done()
		}
	}
	wg.Wait()
	close(results)

	var retry []uint
	for o := range results {
		if o.err == nil {
			continue
		}
		if errors.Is(o.err, lock.ErrBusy) {
			summary.Busy = append(summary.Busy, o.mapID)
		} else {
			summary.Failed = append(summary.Failed, o.mapID)
		}
		if reset {
			if err := s.ledger.MarkRacesUnscored(ctx, o.mapID); err != nil {
				s.logger.Error("failed to mark races unscored after reset failure",
					zap.Uint("map_id", o.mapID), zap.Error(err))
			}
		}
		retry = append(retry, o.mapID)
	}
	s.tracker.Requeue(ctx, retry...)

	summary.Duration = time.Since(start)
	s.sweeps.Add(1)
	s.failures.Add(int64(len(summary.Failed)))

	s.logger.Info("sweep finished",
		zap.String("sweep_id", summary.ID),
		zap.Bool("reset", reset),
		zap.Int("maps", summary.Maps),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("busy", len(summary.Busy)),
		zap.Duration("took", summary.Duration))
	return summary
}

// FullRecompute zeroes every player's aggregates and rebuilds them from all
// maps. Concurrent callers share one run.
func (s *Scheduler) FullRecompute(ctx context.Context) (FullSummary, error) {
	v, err, _ := s.group.Do(fullRecomputeKey, func() (interface{}, error) {
		return s.fullRecompute(context.WithoutCancel(ctx))
	})
	if v == nil {
		return FullSummary{}, err
	}
	return v.(FullSummary), err
}

// StartFullRecompute runs a full recompute in the background, joining one
// that is already running. The channel yields the shared result.
func (s *Scheduler) StartFullRecompute() <-chan singleflight.Result {
	return s.group.DoChan(fullRecomputeKey, func() (interface{}, error) {
		return s.fullRecompute(context.Background())
	})
}

// FullRecomputeRunning reports whether a full recompute is in progress
func (s *Scheduler) FullRecomputeRunning() bool {
	return s.fullBusy.Load()
}

func (s *Scheduler) fullRecompute(ctx context.Context) (FullSummary, error) {
	s.fullBusy.Store(true)
	defer s.fullBusy.Store(false)

	// wait for an in-flight incremental sweep
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	release, err := s.locker.TryLock(ctx, sweepLockKey)
	if err != nil {
		s.metrics.ObserveFullRecompute(err)
		if errors.Is(err, lock.ErrBusy) {
			return FullSummary{}, ErrFullRecomputeBusy
		}
		return FullSummary{}, fmt.Errorf("failed to take sweep lock: %w", err)
	}
	defer release()

	start := time.Now()
	full := FullSummary{ID: uuid.NewString()}
	s.logger.Info("full recompute started", zap.String("run_id", full.ID))

	ids, err := s.ledger.AllMapIDs(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list maps: %w", err)
		s.metrics.ObserveFullRecompute(err)
		return full, err
	}
	if err := s.ledger.ResetAggregates(ctx); err != nil {
		s.metrics.ObserveFullRecompute(err)
		return full, fmt.Errorf("failed to reset aggregates: %w", err)
	}
	full.Reset = s.sweepMaps(ctx, ids, true)

	for pass := 0; pass < s.cfg.MaxPasses; pass++ {
		pending, err := s.ledger.MapsNeedingRecompute(ctx)
		if err != nil {
			s.metrics.ObserveFullRecompute(err)
			return full, fmt.Errorf("failed to find maps needing recompute: %w", err)
		}
		full.Remaining = pending
		if len(pending) == 0 {
			break
		}
		full.FollowUps = append(full.FollowUps, s.sweepMaps(ctx, pending, false))
	}
	if len(full.FollowUps) == s.cfg.MaxPasses {
		if pending, err := s.ledger.MapsNeedingRecompute(ctx); err == nil {
			full.Remaining = pending
		}
	}

	if err := s.mirror.SyncMirror(ctx); err != nil {
		s.logger.Warn("failed to rebuild points mirror", zap.Error(err))
	}

	full.Duration = time.Since(start)
	var outErr error
	if len(full.Remaining) > 0 {
		outErr = fmt.Errorf("%d maps still need a recompute after %d passes", len(full.Remaining), s.cfg.MaxPasses)
		s.logger.Warn("full recompute left maps pending",
			zap.String("run_id", full.ID),
			zap.Uints("map_ids", full.Remaining))
	}
	s.metrics.ObserveFullRecompute(outErr)
	s.logger.Info("full recompute finished",
		zap.String("run_id", full.ID),
		zap.Int("maps", len(ids)),
		zap.Int("follow_ups", len(full.FollowUps)),
		zap.Duration("took", full.Duration))
	return full, outErr
}

// GetMetrics returns scheduler counters for the admin API
func (s *Scheduler) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"running":        s.running.Load(),
		"full_recompute": s.fullBusy.Load(),
		"ticks":          s.ticks.Load(),
		"sweeps":         s.sweeps.Load(),
		"failed_maps":    s.failures.Load(),
		"next_run":       s.NextRun(),
		"pool":           s.pool.GetMetrics(),
	}
}
