package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/membot/membot-backend/internal/services"
)

// ChatRequest is one inbound conversational turn.
type ChatRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// ChatResponse carries the assistant reply.
type ChatResponse struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// ResetRequest selects sessions to close, by session id or chat id.
type ResetRequest struct {
	SessionID string `json:"session_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
}

// HandleChat processes an inbound message and returns the reply
func HandleChat(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req ChatRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		if req.UserID == "" || req.ChatID == "" || strings.TrimSpace(req.Text) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "user_id, chat_id and text are required",
			})
		}

		reply, err := svc.Assembler.Handle(c.Context(), req.UserID, req.ChatID, req.Text)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(ChatResponse{Text: reply, Type: "message"})
	}
}

// ResetChat closes active sessions for a chat or a specific session.
// Matching nothing closes zero sessions and still succeeds.
func ResetChat(svc *services.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req ResetRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		if req.SessionID == "" && req.ChatID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "session_id or chat_id is required",
			})
		}

		sel := services.ResetSelector{ChatID: req.ChatID}
		if req.SessionID != "" {
			id, err := uuid.Parse(req.SessionID)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "session_id must be a UUID",
				})
			}
			sel.SessionID = &id
		}

		closed, err := svc.Sessions.Reset(c.Context(), sel)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"status":         "ok",
			"reset_sessions": closed,
		})
	}
}
