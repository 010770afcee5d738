package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"racesow/internal/models"
	"racesow/internal/scoring"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrMapDisabled is returned for submissions to a disabled map
	ErrMapDisabled = errors.New("map is disabled")
)

// EvaluateFunc computes awards from a map's completed races and all its races
type EvaluateFunc func(completed, all []models.Race) ([]scoring.Award, error)

// UpsertResult describes the outcome of a race submission
type UpsertResult struct {
	Race         models.Race
	Created      bool
	MarkedDirty  bool
	RecordHolder bool
}

// RecomputeResult describes what a map recompute wrote
type RecomputeResult struct {
	MapID       uint
	Awards      int
	Changes     []scoring.Change
	FlagCleared bool
	ComputedAt  time.Time
}

// ChangedPlayers returns the distinct players whose totals moved
func (r *RecomputeResult) ChangedPlayers() []uint {
	seen := make(map[uint]bool)
	var ids []uint
	for _, c := range r.Changes {
		if (c.PlayerDelta != 0 || c.FinishedDelta != 0) && !seen[c.PlayerID] {
			seen[c.PlayerID] = true
			ids = append(ids, c.PlayerID)
		}
	}
	return ids
}

// PostgresRepository is the race ledger. Every writer that touches a map's
// races locks the map row first, which serializes submissions and recomputes
// per map and keeps lock ordering consistent.
type PostgresRepository struct {
	db *gorm.DB
}

// NewPostgresRepository creates a new Postgres repository
func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// CompletedRaces returns the races of a map that have a time, fastest first
func (r *PostgresRepository) CompletedRaces(ctx context.Context, mapID uint) ([]models.Race, error) {
	var races []models.Race
	err := r.db.WithContext(ctx).
		Where("map_id = ? AND time IS NOT NULL", mapID).
		Order("time ASC, created ASC, id ASC").
		Find(&races).Error
	return races, err
}

// AllRaces returns every race of a map, highest playtime first
func (r *PostgresRepository) AllRaces(ctx context.Context, mapID uint) ([]models.Race, error) {
	var races []models.Race
	err := r.db.WithContext(ctx).
		Where("map_id = ?", mapID).
		Order("playtime DESC, id ASC").
		Find(&races).Error
	return races, err
}

// GetRace retrieves a race with its checkpoints
func (r *PostgresRepository) GetRace(ctx context.Context, playerID, mapID uint) (*models.Race, error) {
	var race models.Race
	err := r.db.WithContext(ctx).
		Preload("Checkpoints", func(db *gorm.DB) *gorm.DB { return db.Order("number ASC") }).
		Where("player_id = ? AND map_id = ?", playerID, mapID).
		First(&race).Error
	if err != nil {
		return nil, notFound(err, "race")
	}
	return &race, nil
}

// GetMap retrieves a map by ID
func (r *PostgresRepository) GetMap(ctx context.Context, id uint) (*models.Map, error) {
	var m models.Map
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "map")
	}
	return &m, nil
}

// CreateMap inserts a map, or returns the existing one with the same name
func (r *PostgresRepository) CreateMap(ctx context.Context, name string) (*models.Map, error) {
	m := models.Map{Name: name, Enabled: true}
	err := r.db.WithContext(ctx).
		Where(models.Map{Name: name}).
		Attrs(models.Map{Enabled: true}).
		FirstOrCreate(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetPlayer retrieves a player by ID
func (r *PostgresRepository) GetPlayer(ctx context.Context, id uint) (*models.Player, error) {
	var p models.Player
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, "player")
	}
	return &p, nil
}

// FindPlayer looks a player up by raw username, then by simplified name
func (r *PostgresRepository) FindPlayer(ctx context.Context, username, simplified string) (*models.Player, error) {
	var p models.Player
	err := r.db.WithContext(ctx).
		Where("username = ?", username).
		Or("simplified = ?", simplified).
		Order("id ASC").
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "player")
	}
	return &p, nil
}

// CreatePlayer inserts a new player
func (r *PostgresRepository) CreatePlayer(ctx context.Context, username, simplified string) (*models.Player, error) {
	p := models.Player{Username: username, Name: username, Simplified: simplified}
	if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// PlayersByID loads players keyed by ID
func (r *PostgresRepository) PlayersByID(ctx context.Context, ids []uint) (map[uint]models.Player, error) {
	out := make(map[uint]models.Player, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var players []models.Player
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&players).Error; err != nil {
		return nil, err
	}
	for _, p := range players {
		out[p.ID] = p
	}
	return out, nil
}

// TopPlayers retrieves players ordered by points
func (r *PostgresRepository) TopPlayers(ctx context.Context, offset, limit int) ([]models.Player, int64, error) {
	var (
		players []models.Player
		total   int64
	)
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.Player{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := db.Order("points DESC, id ASC").Offset(offset).Limit(limit).Find(&players).Error
	return players, total, err
}

// AllPlayers retrieves every player (used to rebuild the Redis mirror)
func (r *PostgresRepository) AllPlayers(ctx context.Context) ([]models.Player, error) {
	var players []models.Player
	err := r.db.WithContext(ctx).Order("points DESC").Find(&players).Error
	return players, err
}

// GetServer retrieves a game server by ID
func (r *PostgresRepository) GetServer(ctx context.Context, id uint) (*models.Server, error) {
	var s models.Server
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, notFound(err, "server")
	}
	return &s, nil
}

// CreateServer registers a game server
func (r *PostgresRepository) CreateServer(ctx context.Context, s *models.Server) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// UpsertRace records a submission.
//
// The race row for (player, map) is created on first contact with the
// unscored sentinel; later calls update it in place. A submitted time replaces
// time, created, server and the checkpoint set, and marks the map dirty in the
// same transaction. Playtime and race counters are added to the race, player,
// map and server. Stored points are left untouched so the next recompute can
// diff them. Every call appends a history row.
func (r *PostgresRepository) UpsertRace(ctx context.Context, sub models.RaceSubmission, now time.Time) (*UpsertResult, error) {
	res := &UpsertResult{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// map row first
		mapUpdates := map[string]interface{}{
			"playtime": gorm.Expr("playtime + ?", sub.Playtime),
			"races":    gorm.Expr("races + ?", sub.Races),
		}
		if sub.Time != nil {
			mapUpdates["compute_points"] = true
			mapUpdates["dirty_seq"] = gorm.Expr("dirty_seq + 1")
		}
		upd := tx.Model(&models.Map{}).Where("id = ? AND enabled = ?", sub.MapID, true).Updates(mapUpdates)
		if upd.Error != nil {
			return fmt.Errorf("failed to update map: %w", upd.Error)
		}
		if upd.RowsAffected == 0 {
			var m models.Map
			if err := tx.First(&m, sub.MapID).Error; err != nil {
				return notFound(err, "map")
			}
			return ErrMapDisabled
		}

		var player models.Player
		if err := tx.First(&player, sub.PlayerID).Error; err != nil {
			return notFound(err, "player")
		}

		race := models.Race{
			PlayerID:   sub.PlayerID,
			MapID:      sub.MapID,
			Points:     models.Unscored,
			Created:    now,
			LastPlayed: now,
		}
		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "player_id"}, {Name: "map_id"}},
			DoNothing: true,
		}).Create(&race)
		if ins.Error != nil {
			return fmt.Errorf("failed to create race: %w", ins.Error)
		}
		res.Created = ins.RowsAffected == 1

		var current models.Race
		if err := tx.Where("player_id = ? AND map_id = ?", sub.PlayerID, sub.MapID).First(&current).Error; err != nil {
			return fmt.Errorf("failed to load race: %w", err)
		}

		raceUpdates := map[string]interface{}{
			"playtime":    gorm.Expr("playtime + ?", sub.Playtime),
			"last_played": now,
		}
		if sub.Time != nil {
			raceUpdates["time"] = *sub.Time
			raceUpdates["created"] = now
			raceUpdates["server_id"] = sub.ServerID
		}
		if err := tx.Model(&models.Race{}).Where("id = ?", current.ID).Updates(raceUpdates).Error; err != nil {
			return fmt.Errorf("failed to update race: %w", err)
		}

		playerUpdates := map[string]interface{}{
			"playtime": gorm.Expr("playtime + ?", sub.Playtime),
			"races":    gorm.Expr("races + ?", sub.Races),
		}
		if res.Created {
			playerUpdates["maps"] = gorm.Expr("maps + 1")
		}
		if err := tx.Model(&models.Player{}).Where("id = ?", player.ID).Updates(playerUpdates).Error; err != nil {
			return fmt.Errorf("failed to update player: %w", err)
		}

		if sub.Time != nil {
			// the game server always sends the complete set
			if err := tx.Where("race_id = ?", current.ID).Delete(&models.Checkpoint{}).Error; err != nil {
				return fmt.Errorf("failed to delete checkpoints: %w", err)
			}
			if len(sub.Checkpoints) > 0 {
				cps := make([]models.Checkpoint, len(sub.Checkpoints))
				for i, t := range sub.Checkpoints {
					cps[i] = models.Checkpoint{RaceID: current.ID, Number: i, Time: t}
				}
				if err := tx.Create(&cps).Error; err != nil {
					return fmt.Errorf("failed to create checkpoints: %w", err)
				}
			}
			res.MarkedDirty = true
		}

		if sub.ServerID != nil {
			err := tx.Model(&models.Server{}).Where("id = ?", *sub.ServerID).Updates(map[string]interface{}{
				"playtime":  gorm.Expr("playtime + ?", sub.Playtime),
				"races":     gorm.Expr("races + ?", sub.Races),
				"last_seen": now,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to update server: %w", err)
			}
		}

		if err := tx.Preload("Checkpoints", func(db *gorm.DB) *gorm.DB { return db.Order("number ASC") }).
			First(&res.Race, current.ID).Error; err != nil {
			return fmt.Errorf("failed to reload race: %w", err)
		}

		if sub.Time != nil {
			var best models.Race
			err := tx.Where("map_id = ? AND time IS NOT NULL", sub.MapID).
				Order("time ASC, created ASC, id ASC").
				First(&best).Error
			if err != nil {
				return fmt.Errorf("failed to load map record: %w", err)
			}
			if best.ID == res.Race.ID {
				res.RecordHolder = true
				if err := tx.Model(&models.Map{}).Where("id = ?", sub.MapID).Update("oneliner", "").Error; err != nil {
					return fmt.Errorf("failed to clear oneliner: %w", err)
				}
			}
		}

		history := models.RaceHistory{
			PlayerID:   res.Race.PlayerID,
			MapID:      res.Race.MapID,
			ServerID:   sub.ServerID,
			Time:       res.Race.Time,
			Playtime:   res.Race.Playtime,
			Points:     res.Race.Points,
			Created:    res.Race.Created,
			LastPlayed: res.Race.LastPlayed,
		}
		if err := tx.Create(&history).Error; err != nil {
			return fmt.Errorf("failed to append race history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// MarkMapDirty sets the map's recompute flag and bumps its dirty sequence
func (r *PostgresRepository) MarkMapDirty(ctx context.Context, mapID uint) error {
	res := r.db.WithContext(ctx).Model(&models.Map{}).Where("id = ?", mapID).Updates(map[string]interface{}{
		"compute_points": true,
		"dirty_seq":      gorm.Expr("dirty_seq + 1"),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("map %d: %w", mapID, ErrNotFound)
	}
	return nil
}

// DirtyMapIDs returns maps whose recompute flag is set
func (r *PostgresRepository) DirtyMapIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Map{}).
		Where("compute_points = ?", true).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// AllMapIDs returns every map ID
func (r *PostgresRepository) AllMapIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Map{}).Order("id ASC").Pluck("id", &ids).Error
	return ids, err
}

// MapsNeedingRecompute returns maps that are dirty or still hold completed
// races at the unscored sentinel
func (r *PostgresRepository) MapsNeedingRecompute(ctx context.Context) ([]uint, error) {
	db := r.db.WithContext(ctx)
	unscored := db.Model(&models.Race{}).
		Select("map_id").
		Where("time IS NOT NULL AND points = ?", models.Unscored)

	var ids []uint
	err := db.Model(&models.Map{}).
		Where("compute_points = ?", true).
		Or("id IN (?)", unscored).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// ResetAggregates zeroes every player's points and finished maps
func (r *PostgresRepository) ResetAggregates(ctx context.Context) error {
	return r.db.WithContext(ctx).Model(&models.Player{}).
		Where("1 = 1").
		Updates(map[string]interface{}{"points": 0, "maps_finished": 0}).Error
}

// MarkRacesUnscored puts every race of a map back to the sentinel and flags
// the map. Used when a reset-mode recompute of the map failed, so the next
// incremental pass adds full values instead of diffing stale ones.
func (r *PostgresRepository) MarkRacesUnscored(ctx context.Context, mapID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Map{}).Where("id = ?", mapID).Updates(map[string]interface{}{
			"compute_points": true,
			"dirty_seq":      gorm.Expr("dirty_seq + 1"),
		})
		if res.Error != nil {
			return res.Error
		}
		return tx.Model(&models.Race{}).Where("map_id = ?", mapID).
			Updates(map[string]interface{}{"points": models.Unscored, "rank": 0}).Error
	})
}

// RecomputeMap scores one map and reconciles the result in a single
// transaction: race points and ranks, player aggregates, and the dirty flag
// either all change or none do. With reset set, stored race points are
// ignored and every award is added in full (aggregates must have been zeroed).
func (r *PostgresRepository) RecomputeMap(ctx context.Context, mapID uint, reset bool, evaluate EvaluateFunc, now time.Time) (*RecomputeResult, error) {
	res := &RecomputeResult{MapID: mapID, ComputedAt: now}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Map
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, mapID).Error; err != nil {
			return notFound(err, "map")
		}

		var all []models.Race
		if err := tx.Where("map_id = ?", mapID).Order("playtime DESC, id ASC").Find(&all).Error; err != nil {
			return fmt.Errorf("failed to load races: %w", err)
		}
		completed := make([]models.Race, 0, len(all))
		for _, race := range all {
			if race.HasTime() {
				completed = append(completed, race)
			}
		}

		awards, err := evaluate(completed, all)
		if err != nil {
			return fmt.Errorf("failed to evaluate map %d: %w", mapID, err)
		}
		res.Awards = len(awards)
		res.Changes = scoring.Plan(all, awards, reset)

		for _, c := range res.Changes {
			if !c.PointsChanged() && c.OldRank == c.NewRank {
				continue
			}
			err := tx.Model(&models.Race{}).Where("id = ?", c.RaceID).
				Updates(map[string]interface{}{"points": c.NewPoints, "rank": c.NewRank}).Error
			if err != nil {
				return fmt.Errorf("failed to update race %d: %w", c.RaceID, err)
			}
		}

		// player rows in ID order so concurrent map recomputes lock them consistently
		deltas := make([]scoring.Change, 0, len(res.Changes))
		for _, c := range res.Changes {
			if c.PlayerDelta != 0 || c.FinishedDelta != 0 {
				deltas = append(deltas, c)
			}
		}
		sort.Slice(deltas, func(i, j int) bool { return deltas[i].PlayerID < deltas[j].PlayerID })
		for _, c := range deltas {
			err := tx.Model(&models.Player{}).Where("id = ?", c.PlayerID).Updates(map[string]interface{}{
				"points":        gorm.Expr("points + ?", c.PlayerDelta),
				"maps_finished": gorm.Expr("maps_finished + ?", c.FinishedDelta),
			}).Error
			if err != nil {
				return fmt.Errorf("failed to update player %d: %w", c.PlayerID, err)
			}
		}

		if err := tx.Model(&models.Map{}).Where("id = ?", mapID).Update("last_computation", now).Error; err != nil {
			return fmt.Errorf("failed to stamp map: %w", err)
		}
		clear := tx.Model(&models.Map{}).
			Where("id = ? AND dirty_seq = ?", mapID, m.DirtySeq).
			Update("compute_points", false)
		if clear.Error != nil {
			return fmt.Errorf("failed to clear dirty flag: %w", clear.Error)
		}
		res.FlagCleared = clear.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Ping checks if database is reachable
func (r *PostgresRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate runs database migrations
func (r *PostgresRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.Server{},
		&models.Map{},
		&models.Player{},
		&models.Race{},
		&models.RaceHistory{},
		&models.Checkpoint{},
	)
}

// CountPlayersAbove returns how many players have strictly more points
func (r *PostgresRepository) CountPlayersAbove(ctx context.Context, points models.Points) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Player{}).Where("points > ?", points).Count(&n).Error
	return n, err
}

// RaceHistory returns a player's submissions on a map, newest first
func (r *PostgresRepository) RaceHistory(ctx context.Context, playerID, mapID uint, limit int) ([]models.RaceHistory, error) {
	var rows []models.RaceHistory
	err := r.db.WithContext(ctx).
		Where("player_id = ? AND map_id = ?", playerID, mapID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// SetMapEnabled enables or disables submissions to a map
func (r *PostgresRepository) SetMapEnabled(ctx context.Context, mapID uint, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&models.Map{}).Where("id = ?", mapID).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("map %d: %w", mapID, ErrNotFound)
	}
	return nil
}
