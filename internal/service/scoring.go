package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"racesow/internal/events"
	"racesow/internal/lock"
	"racesow/internal/metrics"
	"racesow/internal/models"
	"racesow/internal/repository"
	"racesow/internal/scoring"

	"go.uber.org/zap"
)

// ScoringService recomputes map points and propagates the results to the
// Redis mirror, the version counter and the event stream
type ScoringService struct {
	repo      *repository.PostgresRepository
	mirror    *repository.RedisRepository
	locker    lock.Locker
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	// leaderboard version when there is no Redis mirror
	version atomic.Int64
}

// NewScoringService creates a scoring service. mirror may be nil when Redis
// is disabled.
func NewScoringService(
	repo *repository.PostgresRepository,
	mirror *repository.RedisRepository,
	locker lock.Locker,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ScoringService {
	return &ScoringService{
		repo:      repo,
		mirror:    mirror,
		locker:    locker,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func mapLockKey(mapID uint) string {
	return "map:" + strconv.FormatUint(uint64(mapID), 10)
}

// EvaluateMapPoints is a dry run: it scores the map's current races without
// writing anything
func (s *ScoringService) EvaluateMapPoints(ctx context.Context, mapID uint) ([]scoring.Award, error) {
	if _, err := s.repo.GetMap(ctx, mapID); err != nil {
		return nil, err
	}
	completed, err := s.repo.CompletedRaces(ctx, mapID)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed races: %w", err)
	}
	all, err := s.repo.AllRaces(ctx, mapID)
	if err != nil {
		return nil, fmt.Errorf("failed to load races: %w", err)
	}
	return scoring.Evaluate(completed, all)
}

// RecomputeMap satisfies worker.Recomputer
func (s *ScoringService) RecomputeMap(ctx context.Context, mapID uint, reset bool) error {
	_, err := s.Recompute(ctx, mapID, reset)
	return err
}

// Recompute scores one map and reconciles races and player totals. It fails
// with lock.ErrBusy if another recompute of the same map is running.
func (s *ScoringService) Recompute(ctx context.Context, mapID uint, reset bool) (*repository.RecomputeResult, error) {
	release, err := s.locker.TryLock(ctx, mapLockKey(mapID))
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			s.metrics.ObserveRecomputeBusy(reset)
			return nil, fmt.Errorf("map %d: %w", mapID, err)
		}
		return nil, fmt.Errorf("failed to lock map %d: %w", mapID, err)
	}
	defer release()

	start := time.Now()
	res, err := s.repo.RecomputeMap(ctx, mapID, reset, scoring.Evaluate, s.now())
	changes := 0
	if res != nil {
		changes = len(res.Changes)
	}
	s.metrics.ObserveRecompute(reset, changes, time.Since(start), err)
	if err != nil {
		s.logger.Error("map recompute failed",
			zap.Uint("map_id", mapID),
			zap.Bool("reset", reset),
			zap.Error(err))
		return nil, err
	}

	if changes > 0 {
		s.propagate(ctx, res, reset)
	}
	s.logger.Debug("map recomputed",
		zap.Uint("map_id", mapID),
		zap.Bool("reset", reset),
		zap.Int("awards", res.Awards),
		zap.Int("changes", changes),
		zap.Bool("flag_cleared", res.FlagCleared))
	return res, nil
}

// propagate pushes committed changes outward. Postgres is the source of
// truth, so failures here are logged and not returned.
func (s *ScoringService) propagate(ctx context.Context, res *repository.RecomputeResult, reset bool) {
	if err := s.refreshMirror(ctx, res.ChangedPlayers()); err != nil {
		s.logger.Warn("failed to update points mirror", zap.Uint("map_id", res.MapID), zap.Error(err))
	}

	ev := events.MapScored{
		Type:       events.MapScoredType,
		MapID:      res.MapID,
		Reset:      reset,
		ComputedAt: res.ComputedAt,
		Changes:    make([]events.RaceChange, 0, len(res.Changes)),
	}
	for _, c := range res.Changes {
		ev.Changes = append(ev.Changes, events.RaceChange{
			RaceID:      c.RaceID,
			PlayerID:    c.PlayerID,
			Rank:        c.NewRank,
			Points:      int64(c.NewPoints),
			PlayerDelta: int64(c.PlayerDelta),
		})
	}
	if err := s.publisher.PublishMapScored(ctx, ev); err != nil {
		s.logger.Warn("failed to publish map scored event", zap.Uint("map_id", res.MapID), zap.Error(err))
	}
}

func (s *ScoringService) refreshMirror(ctx context.Context, playerIDs []uint) error {
	if s.mirror == nil {
		s.version.Add(1)
		return nil
	}
	if len(playerIDs) == 0 {
		_, err := s.mirror.BumpVersion(ctx)
		return err
	}
	byID, err := s.repo.PlayersByID(ctx, playerIDs)
	if err != nil {
		return err
	}
	players := make([]models.Player, 0, len(byID))
	for _, p := range byID {
		players = append(players, p)
	}
	return s.mirror.SetPlayerPoints(ctx, players)
}

// SyncMirror rebuilds the Redis points mirror from Postgres
func (s *ScoringService) SyncMirror(ctx context.Context) error {
	if s.mirror == nil {
		s.version.Add(1)
		return nil
	}
	players, err := s.repo.AllPlayers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load players: %w", err)
	}
	if err := s.mirror.ReplaceAll(ctx, players); err != nil {
		return fmt.Errorf("failed to rebuild points mirror: %w", err)
	}
	s.logger.Info("points mirror rebuilt", zap.Int("players", len(players)))
	return nil
}

// LeaderboardVersion returns a counter that moves whenever player points change
func (s *ScoringService) LeaderboardVersion(ctx context.Context) (int64, error) {
	if s.mirror == nil {
		return s.version.Load(), nil
	}
	return s.mirror.LeaderboardVersion(ctx)
}
