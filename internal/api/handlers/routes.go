package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// Routes groups the handlers mounted under /api/v1
type Routes struct {
	Races   *RaceHandler
	Players *PlayerHandler
	Admin   *AdminHandler

	// SubmitGuards run before race submissions (server auth, rate limit)
	SubmitGuards []fiber.Handler
	// AdminGuard runs before every admin route
	AdminGuard fiber.Handler
}

// Register mounts every route on api
func (r Routes) Register(api fiber.Router) {
	submit := append(append([]fiber.Handler{}, r.SubmitGuards...), r.Races.Submit)
	api.Post("/races", submit...)
	api.Get("/maps/:id/races", r.Races.MapRaces)
	api.Get("/maps/:id/preview", r.Races.Preview)
	api.Get("/maps/:id/players/:player_id", r.Races.Race)

	api.Post("/players", r.Players.Register)
	api.Get("/players/top", r.Players.Top)
	api.Get("/players/:id", r.Players.Get)

	api.Get("/health", r.Admin.Health)

	admin := api.Group("/admin")
	if r.AdminGuard != nil {
		admin.Use(r.AdminGuard)
	}
	admin.Post("/recompute", r.Admin.Recompute)
	admin.Post("/sweep", r.Admin.Sweep)
	admin.Post("/maps/:id/recompute", r.Admin.RecomputeMap)
	admin.Put("/maps/:id/enabled", r.Admin.SetMapEnabled)
	admin.Get("/status", r.Admin.Status)
}
