package handlers

import (
	"racesow/internal/models"
	"racesow/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// PlayerHandler serves player registration and the player ranking
type PlayerHandler struct {
	races       *service.RaceService
	leaderboard *service.LeaderboardService
	validator   *validator.Validate
}

// NewPlayerHandler creates a new player handler
func NewPlayerHandler(races *service.RaceService, leaderboard *service.LeaderboardService) *PlayerHandler {
	return &PlayerHandler{
		races:       races,
		leaderboard: leaderboard,
		validator:   validator.New(),
	}
}

// Register handles POST /api/v1/players
// @Summary Get or create a player
// @Accept json
// @Produce json
// @Param request body models.PlayerRequest true "Player name"
// @Success 200 {object} models.Player
// @Success 201 {object} models.Player
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/players [post]
func (h *PlayerHandler) Register(c *fiber.Ctx) error {
	var req models.PlayerRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return err
	}

	player, created, err := h.races.RegisterPlayer(c.UserContext(), req.Name)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(player)
}

// Top handles GET /api/v1/players/top
// @Summary Player ranking
// @Param offset query int false "Offset for pagination" default(0)
// @Param limit query int false "Limit for pagination" default(50)
// @Success 200 {object} models.PlayerLeaderboardResponse
// @Router /api/v1/players/top [get]
func (h *PlayerHandler) Top(c *fiber.Ctx) error {
	resp, err := h.leaderboard.TopPlayers(c.UserContext(), c.QueryInt("offset", 0), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

// Get handles GET /api/v1/players/:id
// @Summary Player totals
// @Param id path int true "Player ID"
// @Success 200 {object} models.PlayerResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/players/{id} [get]
func (h *PlayerHandler) Get(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	resp, err := h.leaderboard.Player(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}
