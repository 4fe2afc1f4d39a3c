package handlers

import (
	"github.com/gofiber/fiber/v2"

	"besitos-engine/logger"
	"besitos-engine/middleware"
	"besitos-engine/notifications"
	"besitos-engine/services"
)

// Setup registers every route of the service on app. Gateway authentication is
// applied globally by the caller; user identity is read here.
func Setup(app *fiber.App, engine *services.Engine, broker *notifications.Broker, tokens *middleware.StreamTokens, log *logger.Logger) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupStreamRoutes(app, broker, tokens, log)

	app.Use(middleware.UserContextMiddleware(log))
	SetupAdminRoutes(app, engine, log)
	SetupUserRoutes(app, engine, tokens, log)
}
