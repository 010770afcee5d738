package service

import (
	"context"
	"fmt"
	"time"

	"racesow/internal/format"
	"racesow/internal/models"
	"racesow/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultMapRaces = 100
	maxMapRaces     = 500

	// players need this many finished maps before a skill is shown
	skillMinMaps = 5
)

// LeaderboardService serves the read side: map leaderboards, the player
// ranking and player totals
type LeaderboardService struct {
	postgresRepo *repository.PostgresRepository
	redisRepo    *repository.RedisRepository
	scoring      *ScoringService
	nextRun      func() time.Time
	logger       *zap.Logger
}

// NewLeaderboardService creates a new leaderboard service. redisRepo may be
// nil, in which case rankings are read from Postgres.
func NewLeaderboardService(
	postgresRepo *repository.PostgresRepository,
	redisRepo *repository.RedisRepository,
	scoringService *ScoringService,
	logger *zap.Logger,
) *LeaderboardService {
	return &LeaderboardService{
		postgresRepo: postgresRepo,
		redisRepo:    redisRepo,
		scoring:      scoringService,
		logger:       logger,
	}
}

// SetNextRun tells the service when the scheduler will sweep next
func (s *LeaderboardService) SetNextRun(fn func() time.Time) {
	s.nextRun = fn
}

// MapLeaderboard lists a map's completed races fastest first
func (s *LeaderboardService) MapLeaderboard(ctx context.Context, mapID uint, limit int) (*models.MapLeaderboardResponse, error) {
	if limit <= 0 || limit > maxMapRaces {
		limit = defaultMapRaces
	}

	m, err := s.postgresRepo.GetMap(ctx, mapID)
	if err != nil {
		return nil, err
	}
	races, err := s.postgresRepo.CompletedRaces(ctx, mapID)
	if err != nil {
		return nil, fmt.Errorf("failed to load races: %w", err)
	}
	if len(races) > limit {
		races = races[:limit]
	}

	ids := make([]uint, len(races))
	for i, r := range races {
		ids[i] = r.PlayerID
	}
	players, err := s.postgresRepo.PlayersByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load players: %w", err)
	}

	entries := make([]models.RaceEntry, 0, len(races))
	for i, r := range races {
		entry := models.RaceEntry{
			Rank:       i + 1,
			PlayerID:   r.PlayerID,
			PlayerName: players[r.PlayerID].Name,
			Time:       *r.Time,
			TimeStr:    format.Millis(*r.Time),
			Scored:     r.Points.IsScored(),
			Playtime:   r.Playtime,
			Created:    r.Created,
		}
		if entry.Scored {
			entry.Points = r.Points.Float()
		}
		entries = append(entries, entry)
	}

	resp := &models.MapLeaderboardResponse{
		MapID:           m.ID,
		MapName:         m.Name,
		Oneliner:        m.Oneliner,
		Races:           entries,
		LastComputation: m.LastComputation,
	}
	if m.ComputePoints && s.nextRun != nil {
		next := s.nextRun()
		resp.NextComputation = &next
	}
	return resp, nil
}

// PreviewMapPoints evaluates a map without persisting the result
func (s *LeaderboardService) PreviewMapPoints(ctx context.Context, mapID uint) ([]models.PointsPreview, error) {
	awards, err := s.scoring.EvaluateMapPoints(ctx, mapID)
	if err != nil {
		return nil, err
	}
	out := make([]models.PointsPreview, len(awards))
	for i, a := range awards {
		out[i] = models.PointsPreview{
			RaceID:   a.RaceID,
			PlayerID: a.PlayerID,
			Rank:     a.Rank,
			Time:     a.Time,
			Points:   a.Points.Float(),
		}
	}
	return out, nil
}

// TopPlayers retrieves the player ranking with tie-aware ranks (1224).
// The Redis mirror is used when available; Postgres otherwise.
func (s *LeaderboardService) TopPlayers(ctx context.Context, offset, limit int) (*models.PlayerLeaderboardResponse, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	if s.redisRepo != nil {
		resp, err := s.topPlayersFromMirror(ctx, offset, limit)
		if err == nil {
			return resp, nil
		}
		s.logger.Warn("points mirror unavailable, reading from postgres", zap.Error(err))
	}

	players, total, err := s.postgresRepo.TopPlayers(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top players: %w", err)
	}
	entries := make([]models.PlayerEntry, len(players))
	for i, p := range players {
		entries[i] = models.PlayerEntry{PlayerID: p.ID, Name: p.Name}
	}
	points := make([]models.Points, len(players))
	for i, p := range players {
		points[i] = p.Points
	}
	if len(players) > 0 {
		above, err := s.postgresRepo.CountPlayersAbove(ctx, players[0].Points)
		if err != nil {
			return nil, fmt.Errorf("failed to rank players: %w", err)
		}
		applyTieAwareRanking(entries, points, int(above)+1, offset)
	}

	return &models.PlayerLeaderboardResponse{
		Data:   entries,
		Offset: offset,
		Limit:  limit,
		Total:  total,
	}, nil
}

func (s *LeaderboardService) topPlayersFromMirror(ctx context.Context, offset, limit int) (*models.PlayerLeaderboardResponse, error) {
	top, err := s.redisRepo.TopPlayers(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.redisRepo.TotalPlayers(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]models.PlayerEntry, len(top))
	points := make([]models.Points, len(top))
	for i, e := range top {
		entries[i] = models.PlayerEntry{PlayerID: e.PlayerID, Name: e.Name}
		points[i] = e.Points
	}
	if len(top) > 0 {
		first, err := s.redisRepo.PlayerRank(ctx, top[0].PlayerID)
		if err != nil {
			return nil, err
		}
		applyTieAwareRanking(entries, points, first, offset)
	}

	return &models.PlayerLeaderboardResponse{
		Data:   entries,
		Offset: offset,
		Limit:  limit,
		Total:  total,
	}, nil
}

// applyTieAwareRanking assigns the 1224 ranking system: equal points share a
// rank and the next rank skips by the number of players sharing it. firstRank
// is the rank of entries[0], which can be above offset+1 when it ties with
// players on the previous page.
func applyTieAwareRanking(entries []models.PlayerEntry, points []models.Points, firstRank, offset int) {
	currentRank := firstRank
	for i := range entries {
		if i > 0 && points[i] != points[i-1] {
			currentRank = offset + i + 1
		}
		entries[i].Rank = currentRank
		entries[i].Points = points[i].Float()
	}
}

// Player returns a player's totals and skill
func (s *LeaderboardService) Player(ctx context.Context, playerID uint) (*models.PlayerResponse, error) {
	p, err := s.postgresRepo.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return &models.PlayerResponse{
		ID:           p.ID,
		Name:         p.Name,
		Simplified:   p.Simplified,
		Playtime:     p.Playtime,
		Races:        p.Races,
		Maps:         p.Maps,
		MapsFinished: p.MapsFinished,
		Points:       p.Points.Float(),
		Skill:        Skill(p.Points, p.MapsFinished),
	}, nil
}

// Skill is average points per finished map, or 0 below skillMinMaps
func Skill(points models.Points, mapsFinished int) float64 {
	if mapsFinished < skillMinMaps {
		return 0
	}
	return points.Decimal().
		Div(decimal.NewFromInt(int64(mapsFinished))).
		Round(3).
		InexactFloat64()
}

// HealthCheck checks the health of PostgreSQL and, when enabled, Redis
func (s *LeaderboardService) HealthCheck(ctx context.Context) error {
	if err := s.postgresRepo.Ping(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}
	if s.redisRepo != nil {
		if err := s.redisRepo.Ping(ctx); err != nil {
			return fmt.Errorf("Redis health check failed: %w", err)
		}
	}
	return nil
}

// raceHistoryLimit caps the submissions returned with a race
const raceHistoryLimit = 20

// Race returns a player's race on a map with checkpoints and recent history
func (s *LeaderboardService) Race(ctx context.Context, mapID, playerID uint) (*models.RaceDetailResponse, error) {
	race, err := s.postgresRepo.GetRace(ctx, playerID, mapID)
	if err != nil {
		return nil, err
	}
	history, err := s.postgresRepo.RaceHistory(ctx, playerID, mapID, raceHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load race history: %w", err)
	}
	resp := &models.RaceDetailResponse{
		Race:    *race,
		Scored:  race.Points.IsScored(),
		History: history,
	}
	if race.Time != nil {
		resp.TimeStr = format.Millis(*race.Time)
	}
	if resp.Scored {
		resp.Points = race.Points.Float()
	}
	return resp, nil
}
