package handlers

import (
	"errors"

	"racesow/internal/jobs"
	"racesow/internal/lock"
	"racesow/internal/models"
	"racesow/internal/repository"
	"racesow/internal/service"
	"racesow/internal/worker"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) (int, string) {
	var fe *fiber.Error
	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &fe):
		return fe.Code, "Request failed"
	case errors.As(err, &ve):
		return fiber.StatusBadRequest, "Validation failed"
	case errors.Is(err, repository.ErrNotFound):
		return fiber.StatusNotFound, "Not found"
	case errors.Is(err, service.ErrMapDisabled):
		return fiber.StatusConflict, "Map disabled"
	case errors.Is(err, service.ErrDefaultName):
		return fiber.StatusBadRequest, "Invalid name"
	case errors.Is(err, service.ErrNameTaken):
		return fiber.StatusConflict, "Name taken"
	case errors.Is(err, lock.ErrBusy), errors.Is(err, jobs.ErrFullRecomputeBusy):
		return fiber.StatusConflict, "Recompute in progress"
	case errors.Is(err, worker.ErrQueueFull):
		return fiber.StatusServiceUnavailable, "Busy"
	default:
		return fiber.StatusInternalServerError, "Request failed"
	}
}

// ErrorHandler renders every error returned by a handler as ErrorResponse JSON
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code, title := statusFor(err)
		if code >= fiber.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err))
		}
		return c.Status(code).JSON(models.ErrorResponse{
			Error:   title,
			Message: err.Error(),
		})
	}
}

func badRequest(msg string) error {
	return fiber.NewError(fiber.StatusBadRequest, msg)
}

// idParam parses a positive numeric route parameter
func idParam(c *fiber.Ctx, name string) (uint, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid " + name)
	}
	return uint(id), nil
}
