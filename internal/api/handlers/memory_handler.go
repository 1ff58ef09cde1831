package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/memory"
	"github.com/nl2sql/backend/pkg/logger"
)

const defaultMemoryLimit = 50

// MemoryHandler exposes read-only introspection over the session memory hot
// cache and the persistent tool/query/RAG records it is backed by.
type MemoryHandler struct {
	memStore *memory.Store
	store    *knowledge.Store
}

func NewMemoryHandler(memStore *memory.Store, store *knowledge.Store) *MemoryHandler {
	return &MemoryHandler{memStore: memStore, store: store}
}

// Stats implements GET /memory/stats.
func (h *MemoryHandler) Stats(c *fiber.Ctx) error {
	if h.memStore == nil {
		return c.JSON(fiber.Map{"hotCount": 0, "hotLimit": 0})
	}
	stats := h.memStore.Stats()
	return c.JSON(fiber.Map{"hotCount": stats.HotCount, "hotLimit": stats.HotLimit})
}

// Tools implements GET /memory/tools?limit.
func (h *MemoryHandler) Tools(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultMemoryLimit)
	records, err := h.store.RecentToolCallRecords(c.Context(), limit)
	if err != nil {
		logger.Error("failed to list recent tool call records", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list tool call records"})
	}
	return c.JSON(fiber.Map{"tools": records})
}

// Texts implements GET /memory/texts?limit.
func (h *MemoryHandler) Texts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultMemoryLimit)
	history, err := h.store.RecentQueryTexts(c.Context(), limit)
	if err != nil {
		logger.Error("failed to list recent query texts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list query texts"})
	}
	return c.JSON(fiber.Map{"texts": history})
}

// RAGHighScore implements GET /memory/rag-high-score?limit&min_score.
func (h *MemoryHandler) RAGHighScore(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultMemoryLimit)
	minScore := c.QueryFloat("min_score", 0)
	pairs, err := h.store.ListQAPairsByScoreDesc(c.Context(), minScore, limit)
	if err != nil {
		logger.Error("failed to list high-score QA pairs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list QA pairs"})
	}
	return c.JSON(fiber.Map{"qaPairs": pairs})
}
