package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"besitos-engine/logger"
	"besitos-engine/services"
)

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrInsufficientBalance):
		return fiber.StatusPaymentRequired
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrAlreadyStarted),
		errors.Is(err, services.ErrAlreadyClaimed),
		errors.Is(err, services.ErrAlreadyOwned),
		errors.Is(err, services.ErrMissionNotCompleted),
		errors.Is(err, services.ErrNotPurchasable),
		errors.Is(err, services.ErrLevelInUse):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrLockedReward):
		return fiber.StatusLocked
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, log *logger.Logger, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(status).JSON(fiber.Map{"error": "internal error"})
	}
	body := fiber.Map{"error": err.Error()}
	if issues := services.IssuesOf(err); len(issues) > 0 {
		body["issues"] = issues
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
