package handlers

import (
	"racesow/internal/jobs"
	"racesow/internal/models"
	"racesow/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AdminHandler exposes the recompute triggers and service status
type AdminHandler struct {
	scheduler   *jobs.Scheduler
	scoring     *service.ScoringService
	races       *service.RaceService
	leaderboard *service.LeaderboardService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	scheduler *jobs.Scheduler,
	scoring *service.ScoringService,
	races *service.RaceService,
	leaderboard *service.LeaderboardService,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		scheduler:   scheduler,
		scoring:     scoring,
		races:       races,
		leaderboard: leaderboard,
		validator:   validator.New(),
		logger:      logger,
	}
}

// Recompute handles POST /api/v1/admin/recompute. The full recompute runs in
// the background; a trigger while one is running joins it.
func (h *AdminHandler) Recompute(c *fiber.Ctx) error {
	joined := h.scheduler.FullRecomputeRunning()
	ch := h.scheduler.StartFullRecompute()
	go func() {
		res := <-ch
		if res.Err != nil {
			h.logger.Error("full recompute failed", zap.Error(res.Err))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "started",
		"joined": joined,
	})
}

// Sweep handles POST /api/v1/admin/sweep
func (h *AdminHandler) Sweep(c *fiber.Ctx) error {
	summary, err := h.scheduler.SweepOnce(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

// RecomputeMap handles POST /api/v1/admin/maps/:id/recompute
func (h *AdminHandler) RecomputeMap(c *fiber.Ctx) error {
	mapID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	res, err := h.scoring.Recompute(c.UserContext(), mapID, false)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"map_id":          res.MapID,
		"awards":          res.Awards,
		"changed_players": res.ChangedPlayers(),
		"flag_cleared":    res.FlagCleared,
		"computed_at":     res.ComputedAt,
	})
}

// SetMapEnabled handles PUT /api/v1/admin/maps/:id/enabled
func (h *AdminHandler) SetMapEnabled(c *fiber.Ctx) error {
	mapID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req models.MapEnabledRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return err
	}
	if err := h.races.SetMapEnabled(c.UserContext(), mapID, *req.Enabled); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"map_id": mapID, "enabled": *req.Enabled})
}

// Status handles GET /api/v1/admin/status
func (h *AdminHandler) Status(c *fiber.Ctx) error {
	version, err := h.scoring.LeaderboardVersion(c.UserContext())
	if err != nil {
		h.logger.Warn("failed to read leaderboard version", zap.Error(err))
	}
	return c.JSON(fiber.Map{
		"scheduler":           h.scheduler.GetMetrics(),
		"leaderboard_version": version,
	})
}

// Health handles GET /api/v1/health
// @Summary Health check
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} models.ErrorResponse
// @Router /api/v1/health [get]
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	if err := h.leaderboard.HealthCheck(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Error:   "Health check failed",
			Message: err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"scheduler": h.scheduler.IsRunning(),
	})
}
