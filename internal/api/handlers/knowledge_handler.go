package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/pkg/logger"
)

// KnowledgeHandler exposes CRUD over the hot-reloadable business knowledge
// dictionaries (time rules, business terms, field mappings) and over prompt
// version management.
type KnowledgeHandler struct {
	store *knowledge.Store
}

func NewKnowledgeHandler(store *knowledge.Store) *KnowledgeHandler {
	return &KnowledgeHandler{store: store}
}

func (h *KnowledgeHandler) ListTimeRules(c *fiber.Ctx) error {
	rules, err := h.store.ListTimeRules(c.Context())
	if err != nil {
		logger.Error("failed to list time rules", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list time rules"})
	}
	return c.JSON(fiber.Map{"timeRules": rules})
}

func (h *KnowledgeHandler) UpsertTimeRule(c *fiber.Ctx) error {
	var r knowledge.TimeRule
	if err := c.BodyParser(&r); err != nil || r.Keyword == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid time rule"})
	}
	if err := h.store.UpsertTimeRule(c.Context(), r); err != nil {
		logger.Error("failed to upsert time rule", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to upsert time rule"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *KnowledgeHandler) DeleteTimeRule(c *fiber.Ctx) error {
	keyword := c.Params("keyword")
	if err := h.store.DeleteTimeRule(c.Context(), keyword); err != nil {
		logger.Error("failed to delete time rule", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to delete time rule"})
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

func (h *KnowledgeHandler) ListBusinessTerms(c *fiber.Ctx) error {
	terms, err := h.store.ListBusinessTerms(c.Context())
	if err != nil {
		logger.Error("failed to list business terms", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list business terms"})
	}
	return c.JSON(fiber.Map{"businessTerms": terms})
}

func (h *KnowledgeHandler) UpsertBusinessTerm(c *fiber.Ctx) error {
	var t knowledge.BusinessTerm
	if err := c.BodyParser(&t); err != nil || t.Keyword == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid business term"})
	}
	if err := h.store.UpsertBusinessTerm(c.Context(), t); err != nil {
		logger.Error("failed to upsert business term", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to upsert business term"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *KnowledgeHandler) DeleteBusinessTerm(c *fiber.Ctx) error {
	keyword := c.Params("keyword")
	if err := h.store.DeleteBusinessTerm(c.Context(), keyword); err != nil {
		logger.Error("failed to delete business term", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to delete business term"})
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

func (h *KnowledgeHandler) ListFieldMappings(c *fiber.Ctx) error {
	mappings, err := h.store.ListFieldMappings(c.Context())
	if err != nil {
		logger.Error("failed to list field mappings", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list field mappings"})
	}
	return c.JSON(fiber.Map{"fieldMappings": mappings})
}

func (h *KnowledgeHandler) UpsertFieldMapping(c *fiber.Ctx) error {
	var f knowledge.FieldMapping
	if err := c.BodyParser(&f); err != nil || f.Keyword == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid field mapping"})
	}
	if err := h.store.UpsertFieldMapping(c.Context(), f); err != nil {
		logger.Error("failed to upsert field mapping", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to upsert field mapping"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *KnowledgeHandler) DeleteFieldMapping(c *fiber.Ctx) error {
	keyword := c.Params("keyword")
	if err := h.store.DeleteFieldMapping(c.Context(), keyword); err != nil {
		logger.Error("failed to delete field mapping", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to delete field mapping"})
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

func (h *KnowledgeHandler) ListPromptVersions(c *fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	versions, err := h.store.ListPromptVersions(c.Context(), name)
	if err != nil {
		logger.Error("failed to list prompt versions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list prompt versions"})
	}
	return c.JSON(fiber.Map{"promptVersions": versions})
}

func (h *KnowledgeHandler) UpsertPromptVersion(c *fiber.Ctx) error {
	var req struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Body    string `json:"body"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" || req.Version == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid prompt version"})
	}
	if err := h.store.UpsertPromptVersion(c.Context(), req.Name, req.Version, req.Body); err != nil {
		logger.Error("failed to upsert prompt version", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to upsert prompt version"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// ActivatePromptVersion implements POST /prompt/activate {name, version},
// which must atomically make exactly one version of a prompt name active.
func (h *KnowledgeHandler) ActivatePromptVersion(c *fiber.Ctx) error {
	var req struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" || req.Version == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name and version are required"})
	}
	if err := h.store.ActivatePromptVersion(c.Context(), req.Name, req.Version); err != nil {
		logger.Error("failed to activate prompt version", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to activate prompt version"})
	}
	return c.JSON(fiber.Map{"status": "activated"})
}
