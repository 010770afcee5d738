package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"racesow/internal/format"
	"racesow/internal/metrics"
	"racesow/internal/models"
	"racesow/internal/repository"
	"racesow/internal/scoring"
	"racesow/internal/tracker"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

var (
	// ErrMapDisabled is returned for submissions to a disabled map
	ErrMapDisabled = repository.ErrMapDisabled

	// ErrDefaultName rejects auto-assigned client names such as "player(2)"
	ErrDefaultName = errors.New("default player names cannot be registered")

	// ErrNameTaken is returned when another player already owns the simplified name
	ErrNameTaken = errors.New("player name is taken")
)

const (
	mapCacheSize = 1024
	mapCacheTTL  = time.Minute
)

// RaceService accepts race submissions and player registrations
type RaceService struct {
	repo    *repository.PostgresRepository
	tracker *tracker.Tracker
	maps    *expirable.LRU[uint, models.Map]
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRaceService creates a race service
func NewRaceService(repo *repository.PostgresRepository, tr *tracker.Tracker, m *metrics.Metrics, logger *zap.Logger) *RaceService {
	return &RaceService{
		repo:    repo,
		tracker: tr,
		maps:    expirable.NewLRU[uint, models.Map](mapCacheSize, nil, mapCacheTTL),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit records a race and flags the map when its points may have changed.
// A new time always flags the map; added playtime flags it only when it
// would move the record's value.
func (s *RaceService) Submit(ctx context.Context, sub models.RaceSubmission) (*models.SubmissionResponse, error) {
	if m, ok := s.maps.Get(sub.MapID); ok && !m.Enabled {
		return nil, ErrMapDisabled
	}

	res, err := s.repo.UpsertRace(ctx, sub, s.now())
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveSubmission(sub.Time != nil)

	resp := &models.SubmissionResponse{
		RaceID:       res.Race.ID,
		Created:      res.Created,
		MarkedDirty:  res.MarkedDirty,
		RecordHolder: res.RecordHolder,
	}

	if res.MarkedDirty {
		s.tracker.Enqueue(ctx, sub.MapID)
		return resp, nil
	}
	if sub.Playtime > 0 {
		dirty, err := s.playtimeChangesRecord(ctx, sub.MapID, sub.PlayerID)
		if err != nil {
			// the submission is stored; the map's value is refreshed on its next time
			s.logger.Warn("failed to check record value",
				zap.Uint("map_id", sub.MapID), zap.Error(err))
			return resp, nil
		}
		if dirty {
			if err := s.tracker.Mark(ctx, sub.MapID); err != nil {
				return nil, err
			}
			resp.MarkedDirty = true
		}
	}
	return resp, nil
}

func (s *RaceService) playtimeChangesRecord(ctx context.Context, mapID, playerID uint) (bool, error) {
	completed, err := s.repo.CompletedRaces(ctx, mapID)
	if err != nil {
		return false, err
	}
	if len(completed) == 0 {
		return false, nil
	}
	all, err := s.repo.AllRaces(ctx, mapID)
	if err != nil {
		return false, err
	}
	return scoring.PlaytimeChangesRecord(completed, all, playerID), nil
}

// Map returns a map through the lookup cache
func (s *RaceService) Map(ctx context.Context, mapID uint) (*models.Map, error) {
	if m, ok := s.maps.Get(mapID); ok {
		return &m, nil
	}
	m, err := s.repo.GetMap(ctx, mapID)
	if err != nil {
		return nil, err
	}
	s.maps.Add(mapID, *m)
	return m, nil
}

// SetMapEnabled enables or disables submissions to a map
func (s *RaceService) SetMapEnabled(ctx context.Context, mapID uint, enabled bool) error {
	if err := s.repo.SetMapEnabled(ctx, mapID, enabled); err != nil {
		return err
	}
	s.maps.Remove(mapID)
	s.logger.Info("map submissions toggled", zap.Uint("map_id", mapID), zap.Bool("enabled", enabled))
	return nil
}

// RegisterPlayer returns the player with this raw name, creating it if
// needed. created reports whether a row was inserted.
func (s *RaceService) RegisterPlayer(ctx context.Context, name string) (player *models.Player, created bool, err error) {
	simplified := format.StripColorTokens(name)

	existing, err := s.repo.FindPlayer(ctx, name, simplified)
	if err == nil {
		if existing.Username != name {
			return nil, false, fmt.Errorf("%q conflicts with %q: %w", name, existing.Username, ErrNameTaken)
		}
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	if format.IsDefaultUsername(simplified) {
		return nil, false, ErrDefaultName
	}

	player, err = s.repo.CreatePlayer(ctx, name, simplified)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create player: %w", err)
	}
	s.logger.Info("player registered", zap.Uint("player_id", player.ID), zap.String("name", simplified))
	return player, true, nil
}
