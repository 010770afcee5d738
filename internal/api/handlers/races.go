package handlers

import (
	"racesow/internal/api/middleware"
	"racesow/internal/models"
	"racesow/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// RaceHandler serves race submissions and map leaderboards
type RaceHandler struct {
	races       *service.RaceService
	leaderboard *service.LeaderboardService
	validator   *validator.Validate
}

// NewRaceHandler creates a new race handler
func NewRaceHandler(races *service.RaceService, leaderboard *service.LeaderboardService) *RaceHandler {
	return &RaceHandler{
		races:       races,
		leaderboard: leaderboard,
		validator:   validator.New(),
	}
}

// Submit handles POST /api/v1/races
// @Summary Submit a race
// @Description Records a finished run or accumulated playtime from a game server
// @Accept json
// @Produce json
// @Param request body models.RaceSubmission true "Race submission"
// @Success 200 {object} models.SubmissionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/races [post]
func (h *RaceHandler) Submit(c *fiber.Ctx) error {
	var req models.RaceSubmission
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return err
	}

	req.ServerID = nil
	if server, ok := middleware.Server(c); ok {
		id := server.ID
		req.ServerID = &id
	}

	resp, err := h.races.Submit(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// MapRaces handles GET /api/v1/maps/:id/races
// @Summary Map leaderboard
// @Param id path int true "Map ID"
// @Param limit query int false "Maximum races" default(100)
// @Success 200 {object} models.MapLeaderboardResponse
// @Router /api/v1/maps/{id}/races [get]
func (h *RaceHandler) MapRaces(c *fiber.Ctx) error {
	mapID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	resp, err := h.leaderboard.MapLeaderboard(c.UserContext(), mapID, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

// Preview handles GET /api/v1/maps/:id/preview
// @Summary Dry-run of a map's points
// @Param id path int true "Map ID"
// @Success 200 {array} models.PointsPreview
// @Router /api/v1/maps/{id}/preview [get]
func (h *RaceHandler) Preview(c *fiber.Ctx) error {
	mapID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	preview, err := h.leaderboard.PreviewMapPoints(c.UserContext(), mapID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"map_id": mapID,
		"races":  preview,
	})
}

// Race handles GET /api/v1/maps/:id/players/:player_id
// @Summary A player's race on a map
// @Success 200 {object} models.RaceDetailResponse
// @Router /api/v1/maps/{id}/players/{player_id} [get]
func (h *RaceHandler) Race(c *fiber.Ctx) error {
	mapID, err := idParam(c, "id")
	if err != nil {
		return err
	}
	playerID, err := idParam(c, "player_id")
	if err != nil {
		return err
	}
	resp, err := h.leaderboard.Race(c.UserContext(), mapID, playerID)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}
