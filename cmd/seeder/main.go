package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"racesow/internal/app"
	"racesow/internal/config"
	"racesow/internal/logging"
	"racesow/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	TotalServers = 3
	TotalMaps    = 40
	TotalPlayers = 500

	// each player races on this share of the maps
	MapsPerPlayer = 0.3

	MinRaceTime = 8000
	MaxRaceTime = 180000
	Checkpoints = 6
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("failed to load configuration", zap.Error(err))
	}
	log := logging.Init(cfg.Log.Production)
	defer logging.Sync()

	a, err := app.New(cfg, prometheus.NewRegistry(), log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	servers, err := seedServers(ctx, a)
	if err != nil {
		log.Fatal("failed to seed servers", zap.Error(err))
	}
	maps, err := seedMaps(ctx, a, rng)
	if err != nil {
		log.Fatal("failed to seed maps", zap.Error(err))
	}
	players, err := seedPlayers(ctx, a)
	if err != nil {
		log.Fatal("failed to seed players", zap.Error(err))
	}
	log.Info("seeded fixtures",
		zap.Int("servers", len(servers)),
		zap.Int("maps", len(maps)),
		zap.Int("players", len(players)))

	start := time.Now()
	races, err := seedRaces(ctx, a, rng, servers, maps, players)
	if err != nil {
		log.Fatal("failed to seed races", zap.Error(err))
	}
	log.Info("submitted races", zap.Int("races", races), zap.Duration("took", time.Since(start)))

	summary, err := a.Scheduler.FullRecompute(ctx)
	if err != nil {
		log.Fatal("full recompute failed", zap.Error(err))
	}
	log.Info("full recompute finished",
		zap.Int("maps", summary.Reset.Maps),
		zap.Duration("took", summary.Duration))

	top, err := a.Leaderboard.TopPlayers(ctx, 0, 10)
	if err != nil {
		log.Fatal("failed to read top players", zap.Error(err))
	}
	for _, e := range top.Data {
		fmt.Printf("%3d. %-20s %10.3f\n", e.Rank, e.Name, e.Points)
	}
}

func seedServers(ctx context.Context, a *app.App) ([]models.Server, error) {
	servers := make([]models.Server, TotalServers)
	for i := range servers {
		servers[i] = models.Server{
			Name:    fmt.Sprintf("seed-server-%d", i+1),
			Address: fmt.Sprintf("127.0.0.1:%d", 44400+i),
			AuthKey: uuid.NewString(),
		}
		if err := a.Postgres.CreateServer(ctx, &servers[i]); err != nil {
			return nil, err
		}
	}
	return servers, nil
}

func seedMaps(ctx context.Context, a *app.App, rng *rand.Rand) ([]models.Map, error) {
	maps := make([]models.Map, 0, TotalMaps)
	for i := 0; i < TotalMaps; i++ {
		m, err := a.Postgres.CreateMap(ctx, fmt.Sprintf("seed-map-%03d-%d", i+1, rng.Intn(1000)))
		if err != nil {
			return nil, err
		}
		maps = append(maps, *m)
	}
	return maps, nil
}

func seedPlayers(ctx context.Context, a *app.App) ([]models.Player, error) {
	players := make([]models.Player, 0, TotalPlayers)
	for i := 0; i < TotalPlayers; i++ {
		p, _, err := a.Races.RegisterPlayer(ctx, fmt.Sprintf("^%dracer_%d", i%10, i+1))
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, nil
}

// seedRaces submits a few attempts per player and map; later attempts are
// faster on average so records move the way they do on live servers
func seedRaces(ctx context.Context, a *app.App, rng *rand.Rand, servers []models.Server, maps []models.Map, players []models.Player) (int, error) {
	count := 0
	for _, m := range maps {
		par := int64(MinRaceTime + rng.Intn(MaxRaceTime-MinRaceTime))
		for _, p := range players {
			if rng.Float64() > MapsPerPlayer {
				continue
			}
			server := servers[rng.Intn(len(servers))]
			attempts := 1 + rng.Intn(3)
			for i := 0; i < attempts; i++ {
				sub := models.RaceSubmission{
					PlayerID: p.ID,
					MapID:    m.ID,
					Playtime: int64(30000 + rng.Intn(600000)),
					Races:    1 + rng.Intn(5),
					ServerID: &server.ID,
				}
				// some sessions end without a finish
				if rng.Float64() < 0.8 {
					t := par + int64(rng.NormFloat64()*float64(par)/8) - int64(i)*par/50
					if t < MinRaceTime/2 {
						t = MinRaceTime / 2
					}
					sub.Time = &t
					sub.Checkpoints = checkpoints(t)
				}
				if _, err := a.Races.Submit(ctx, sub); err != nil {
					return count, fmt.Errorf("player %d map %d: %w", p.ID, m.ID, err)
				}
				count++
			}
		}
	}
	return count, nil
}

func checkpoints(total int64) []int64 {
	cps := make([]int64, Checkpoints)
	for i := range cps {
		cps[i] = total * int64(i+1) / int64(Checkpoints+1)
	}
	return cps
}
