package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"racesow/internal/api/handlers"
	"racesow/internal/api/middleware"
	"racesow/internal/app"
	"racesow/internal/config"
	"racesow/internal/logging"
	"racesow/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("failed to load configuration", zap.Error(err))
	}
	log := logging.Init(cfg.Log.Production)
	defer logging.Sync()

	a, err := app.New(cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(a.Scoring, log)
	go hub.Run(ctx)

	if err := a.Scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	fiberApp := fiber.New(fiber.Config{
		AppName:      "Racesow Leaderboard",
		ErrorHandler: handlers.ErrorHandler(log),
	})

	fiberApp.Use(recover.New())
	fiberApp.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, X-Admin-Token",
	}))

	if cfg.API.AuthDisabled {
		log.Warn("server token check disabled")
	}
	if cfg.API.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set, admin routes are open")
	}
	limiter := middleware.NewRateLimiter(cfg.API.RateLimitPerSec, cfg.API.RateBurst)

	handlers.Routes{
		Races:   handlers.NewRaceHandler(a.Races, a.Leaderboard),
		Players: handlers.NewPlayerHandler(a.Races, a.Leaderboard),
		Admin:   handlers.NewAdminHandler(a.Scheduler, a.Scoring, a.Races, a.Leaderboard, log),
		SubmitGuards: []fiber.Handler{
			middleware.ServerAuth(a.Postgres, cfg.API.AuthDisabled, log),
			limiter.Handler(),
		},
		AdminGuard: middleware.AdminToken(cfg.API.AdminToken),
	}.Register(fiberApp.Group("/api/v1"))

	fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	fiberApp.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	fiberApp.Get("/ws", fiberws.New(func(c *fiberws.Conn) {
		websocket.ServeWS(hub, c)
	}))

	fiberApp.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Racesow Leaderboard API",
			"endpoints": []string{
				"POST /api/v1/races",
				"POST /api/v1/players",
				"GET /api/v1/players/top",
				"GET /api/v1/players/:id",
				"GET /api/v1/maps/:id/races",
				"GET /api/v1/maps/:id/preview",
				"GET /api/v1/maps/:id/players/:player_id",
				"POST /api/v1/admin/recompute",
				"POST /api/v1/admin/sweep",
				"GET /api/v1/health",
				"GET /metrics",
				"WS /ws",
			},
			"websocket_clients": hub.GetClientCount(),
		})
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Info("shutting down server")
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := fiberApp.ShutdownWithContext(sctx); err != nil {
			log.Warn("server forced to shutdown", zap.Error(err))
		}
	}()

	log.Info("server starting", zap.Int("port", cfg.Server.Port))
	if err := fiberApp.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		log.Error("server stopped", zap.Error(err))
	}

	// submissions have stopped; drain the recompute pipeline
	cancel()
	a.Close()
	log.Info("server shutdown complete")
}
