package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/membot/membot-backend/internal/api/handlers"
	"github.com/membot/membot-backend/internal/services"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, svc *services.Services) {
	v1 := app.Group("/v1")

	// Conversational turn and session reset, the bot-facing surface
	v1.Post("/chat/handle", handlers.HandleChat(svc))
	v1.Post("/chat/reset", handlers.ResetChat(svc))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
}
