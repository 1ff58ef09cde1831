package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/raglearner"
	"github.com/nl2sql/backend/pkg/logger"
)

type FeedbackHandler struct {
	store   *knowledge.Store
	learner *raglearner.Learner
}

func NewFeedbackHandler(store *knowledge.Store, learner *raglearner.Learner) *FeedbackHandler {
	return &FeedbackHandler{store: store, learner: learner}
}

// Vote implements POST /feedback/{conversationId}/vote, body {vote: "like"|"dislike"|"none"}.
func (h *FeedbackHandler) Vote(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	var req struct {
		Vote string `json:"vote"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	vote := knowledge.UserVote(req.Vote)
	if vote != knowledge.VoteLike && vote != knowledge.VoteDislike && vote != knowledge.VoteNone {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "vote must be like, dislike, or none"})
	}

	f := &knowledge.Feedback{ConversationID: conversationID, UserVote: &vote, Timestamp: time.Now()}
	if err := h.store.WriteFeedback(c.Context(), f); err != nil {
		logger.Error("failed to write vote feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to write feedback"})
	}

	h.notifyLearner(c.Context(), conversationID)
	return c.JSON(fiber.Map{"status": "ok"})
}

// Rate implements POST /feedback/{conversationId}/rate, body {rating: 1..5, reviewer: "expert"|"llm"}.
func (h *FeedbackHandler) Rate(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	var req struct {
		Rating   int    `json:"rating"`
		Reviewer string `json:"reviewer"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Rating < 1 || req.Rating > 5 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "rating must be between 1 and 5"})
	}

	f := &knowledge.Feedback{ConversationID: conversationID, Timestamp: time.Now()}
	switch req.Reviewer {
	case "expert":
		f.ExpertRating = &req.Rating
	case "llm":
		score := float64(req.Rating)
		f.LLMScore = &score
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "reviewer must be expert or llm"})
	}

	if err := h.store.WriteFeedback(c.Context(), f); err != nil {
		logger.Error("failed to write rating feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to write feedback"})
	}

	h.notifyLearner(c.Context(), conversationID)
	return c.JSON(fiber.Map{"status": "ok"})
}

// Get implements GET /feedback/{conversationId}.
func (h *FeedbackHandler) Get(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	f, err := h.store.GetCurrentFeedback(c.Context(), conversationID)
	if err != nil {
		logger.Error("failed to load feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load feedback"})
	}
	if f == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no feedback recorded"})
	}
	return c.JSON(fiber.Map{"feedback": f})
}

// notifyLearner gathers the conversation's question/sql/answer and the
// now-current feedback and hands them to C9, per "notifies C9 with
// (question, sql, expertRating, userVote, llmScore)". Best-effort: a
// learner failure never fails the feedback write itself.
func (h *FeedbackHandler) notifyLearner(ctx context.Context, conversationID string) {
	if h.learner == nil {
		return
	}

	messages, err := h.store.LoadTranscript(ctx, conversationID)
	if err != nil || len(messages) == 0 {
		return
	}

	var question, answer, sqlText string
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == knowledge.RoleAssistant && answer == "" {
			answer = m.Content
			if m.Extra != nil {
				sqlText = m.Extra.SQL
			}
		}
		if m.Role == knowledge.RoleUser && question == "" {
			question = m.Content
		}
		if question != "" && answer != "" {
			break
		}
	}
	if question == "" || answer == "" {
		return
	}

	fb, err := h.store.GetCurrentFeedback(ctx, conversationID)
	if err != nil || fb == nil {
		return
	}

	var fbFeedback raglearner.Feedback
	fbFeedback.ExpertRating = fb.ExpertRating
	fbFeedback.LLMScore = fb.LLMScore
	if fb.UserVote != nil {
		fbFeedback.UserVote = string(*fb.UserVote)
	}

	source := knowledge.QASourceFeedback
	if fb.ExpertRating != nil {
		source = knowledge.QASourceExpert
	}

	if _, err := h.learner.LearnFromFeedback(ctx, conversationID, question, sqlText, answer, fbFeedback, source); err != nil {
		logger.Warn("rag learner failed to process feedback notification", zap.Error(err), zap.String("conversation_id", conversationID))
	}
}
