package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/pkg/logger"
)

type ConversationHandler struct {
	store *knowledge.Store
}

func NewConversationHandler(store *knowledge.Store) *ConversationHandler {
	return &ConversationHandler{store: store}
}

// ListConversations implements GET /chat/conversations?userId=...
func (h *ConversationHandler) ListConversations(c *fiber.Ctx) error {
	userID := c.Query("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "userId is required"})
	}

	convs, err := h.store.ListConversations(c.Context(), userID)
	if err != nil {
		logger.Error("failed to list conversations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list conversations"})
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

// GetConversation implements GET /chat/conversation/{id}, returning the
// conversation record plus its full message transcript.
func (h *ConversationHandler) GetConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "conversation id is required"})
	}

	conv, err := h.store.GetConversation(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "conversation not found"})
	}

	messages, err := h.store.LoadTranscript(c.Context(), id)
	if err != nil {
		logger.Error("failed to load transcript", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load transcript"})
	}

	return c.JSON(fiber.Map{
		"conversation": conv,
		"messages":     messages,
	})
}

// DeleteConversation implements DELETE /chat/conversation/{id}.
func (h *ConversationHandler) DeleteConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "conversation id is required"})
	}

	if err := h.store.DeleteConversation(c.Context(), id); err != nil {
		logger.Error("failed to delete conversation", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to delete conversation"})
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}
