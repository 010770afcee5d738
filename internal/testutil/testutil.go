// Package testutil builds throwaway ledgers and Redis instances for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"racesow/internal/models"
	"racesow/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is a fixed clock for submissions in tests
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewDB opens a private in-memory SQLite database through gorm. A single
// connection keeps every query on the same in-memory database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// NewLedger returns a migrated repository on a fresh database
func NewLedger(t testing.TB) *repository.PostgresRepository {
	t.Helper()
	repo := repository.NewPostgresRepository(NewDB(t))
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return repo
}

// NewRedis starts a miniredis server and returns a repository on it
func NewRedis(t testing.TB) (*miniredis.Miniredis, *repository.RedisRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, repository.NewRedisRepository(client)
}

// Map creates an enabled map
func Map(t testing.TB, repo *repository.PostgresRepository, name string) *models.Map {
	t.Helper()
	m, err := repo.CreateMap(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to create map %q: %v", name, err)
	}
	return m
}

// Player creates a player
func Player(t testing.TB, repo *repository.PostgresRepository, name string) *models.Player {
	t.Helper()
	p, err := repo.CreatePlayer(context.Background(), name, name)
	if err != nil {
		t.Fatalf("failed to create player %q: %v", name, err)
	}
	return p
}

// Ms returns a pointer to a race time
func Ms(v int64) *int64 {
	return &v
}

// Submit upserts a race, failing the test on error. A zero raceTime submits
// playtime only.
func Submit(t testing.TB, repo *repository.PostgresRepository, playerID, mapID uint, raceTime, playtime int64, at time.Time) *repository.UpsertResult {
	t.Helper()
	sub := models.RaceSubmission{
		PlayerID: playerID,
		MapID:    mapID,
		Playtime: playtime,
		Races:    1,
	}
	if raceTime > 0 {
		sub.Time = Ms(raceTime)
	}
	res, err := repo.UpsertRace(context.Background(), sub, at)
	if err != nil {
		t.Fatalf("failed to submit race: %v", err)
	}
	return res
}
