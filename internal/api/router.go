package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nl2sql/backend/internal/api/handlers"
	"github.com/nl2sql/backend/internal/metrics"
	"github.com/nl2sql/backend/internal/middleware/ratelimit"
	"github.com/nl2sql/backend/internal/middleware/security"
)

// Handlers bundles every HTTP handler the router wires up; cmd/api/main.go
// constructs each one from its underlying component and passes the bundle
// in, keeping router.go free of construction concerns.
type Handlers struct {
	Stream       *handlers.StreamHandler
	Conversation *handlers.ConversationHandler
	Feedback     *handlers.FeedbackHandler
	Knowledge    *handlers.KnowledgeHandler
	Memory       *handlers.MemoryHandler
}

// Register wires every route this module serves onto app, with rate
// limiting and security headers applied ahead of all of them.
func Register(app *fiber.App, h Handlers, limiter *ratelimit.RateLimiter, secCfg security.HeadersConfig) {
	app.Use(security.HeadersMiddleware(secCfg))
	app.Use(limiter.Middleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})
	app.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ready"})
	})
	app.Get("/metrics", metrics.MetricsHandler())

	chat := app.Group("/chat")
	chat.Post("/stream", h.Stream.HandleStream)
	chat.Get("/conversations", h.Conversation.ListConversations)
	chat.Get("/conversation/:id", h.Conversation.GetConversation)
	chat.Delete("/conversation/:id", h.Conversation.DeleteConversation)

	feedback := app.Group("/feedback")
	feedback.Post("/:conversationId/vote", h.Feedback.Vote)
	feedback.Post("/:conversationId/rate", h.Feedback.Rate)
	feedback.Get("/:conversationId", h.Feedback.Get)

	timeRules := app.Group("/knowledge/time-rules")
	timeRules.Get("/", h.Knowledge.ListTimeRules)
	timeRules.Put("/", h.Knowledge.UpsertTimeRule)
	timeRules.Delete("/:keyword", h.Knowledge.DeleteTimeRule)

	businessTerms := app.Group("/knowledge/business-terms")
	businessTerms.Get("/", h.Knowledge.ListBusinessTerms)
	businessTerms.Put("/", h.Knowledge.UpsertBusinessTerm)
	businessTerms.Delete("/:keyword", h.Knowledge.DeleteBusinessTerm)

	fieldMappings := app.Group("/knowledge/field-mappings")
	fieldMappings.Get("/", h.Knowledge.ListFieldMappings)
	fieldMappings.Put("/", h.Knowledge.UpsertFieldMapping)
	fieldMappings.Delete("/:keyword", h.Knowledge.DeleteFieldMapping)

	prompts := app.Group("/prompt")
	prompts.Get("/versions", h.Knowledge.ListPromptVersions)
	prompts.Put("/versions", h.Knowledge.UpsertPromptVersion)
	prompts.Post("/activate", h.Knowledge.ActivatePromptVersion)

	mem := app.Group("/memory")
	mem.Get("/stats", h.Memory.Stats)
	mem.Get("/tools", h.Memory.Tools)
	mem.Get("/texts", h.Memory.Texts)
	mem.Get("/rag-high-score", h.Memory.RAGHighScore)
}
