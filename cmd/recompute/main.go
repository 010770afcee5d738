// Command recompute runs one full recompute of every map and exits.
package main

import (
	"context"
	"os"

	"racesow/internal/app"
	"racesow/internal/config"
	"racesow/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
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

	summary, err := a.Scheduler.FullRecompute(context.Background())
	a.Close()

	log.Info("full recompute summary",
		zap.String("run_id", summary.ID),
		zap.Int("maps", summary.Reset.Maps),
		zap.Uints("reset_failures", summary.Reset.Failed),
		zap.Int("follow_ups", len(summary.FollowUps)),
		zap.Uints("remaining", summary.Remaining),
		zap.Duration("took", summary.Duration))
	if err != nil {
		log.Error("full recompute incomplete", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}
