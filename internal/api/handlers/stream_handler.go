package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/orchestrator"
	"github.com/nl2sql/backend/internal/provider"
	"github.com/nl2sql/backend/pkg/logger"
)

type StreamHandler struct {
	orch  *orchestrator.Orchestrator
	store *knowledge.Store
}

func NewStreamHandler(orch *orchestrator.Orchestrator, store *knowledge.Store) *StreamHandler {
	return &StreamHandler{orch: orch, store: store}
}

type streamRequest struct {
	Message        string                  `json:"message"`
	ConversationID string                  `json:"conversationId"`
	History        []historyMessage        `json:"history"`
	UserID         string                  `json:"userId"`
	UserNickname   string                  `json:"userNickname"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// richPayload is the wire shape of an event's optional "rich" field, one of
// dataframe/chart/status_card/tool_call/reasoning_step.
type richPayload struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type simplePayload struct {
	Text string `json:"text"`
}

// wireEvent is the event JSON shape. Type carries the closed event kind
// (conversation_id/reasoning_step/text_delta/tool_call/dataframe/chart/
// error/done) so clients never have to infer it from which optional field
// is populated.
type wireEvent struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	Rich           *richPayload   `json:"rich,omitempty"`
	Simple         *simplePayload `json:"simple,omitempty"`
	DedupKey       string         `json:"dedupKey,omitempty"`
}

// HandleStream implements POST /chat/stream: a server-sent-event response
// framed as `data: <json>\n\n`, terminated by `data: [DONE]\n\n` once the
// orchestrator closes its channel. When a write to the client fails, the
// turn's context is cancelled, the remaining events are drained, and no
// `[DONE]` is written.
func (h *StreamHandler) HandleStream(c *fiber.Ctx) error {
	var req streamRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("failed to parse stream request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Message == "" || req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message and userId are required"})
	}

	group := knowledge.GroupUser
	if profile, err := h.store.GetUserProfile(c.Context(), req.UserID); err != nil {
		logger.Warn("failed to resolve user profile, defaulting permission group", zap.Error(err), zap.String("userId", req.UserID))
	} else {
		group = profile.Group
	}

	turn := orchestrator.Turn{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		UserNickname:   req.UserNickname,
		Group:          group,
		Message:        req.Message,
		History:        toProviderMessages(req.History),
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(c.Context())
		defer cancel()
		events := h.orch.Stream(ctx, turn)

		for ev := range events {
			we := toWireEvent(ev)
			b, err := json.Marshal(we)
			if err != nil {
				logger.Error("failed to marshal stream event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				logger.Warn("client disconnected mid-stream", zap.Error(err))
				cancel()
				for range events {
				}
				return
			}
			if err := w.Flush(); err != nil {
				logger.Warn("client disconnected mid-stream", zap.Error(err))
				cancel()
				for range events {
				}
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
	})

	return nil
}

func toProviderMessages(history []historyMessage) []provider.ChatMessage {
	out := make([]provider.ChatMessage, len(history))
	for i, m := range history {
		out[i] = provider.ChatMessage{Role: provider.ChatRole(m.Role), Content: m.Content}
	}
	return out
}

func toWireEvent(ev orchestrator.Event) wireEvent {
	we := wireEvent{Type: string(ev.Type), ConversationID: ev.ConversationID}

	switch ev.Type {
	case orchestrator.EventConversationID, orchestrator.EventDone:
		// conversationId (or nothing, for done) is the whole payload
	case orchestrator.EventTextDelta:
		if ev.TextDelta != nil {
			we.Simple = &simplePayload{Text: ev.TextDelta.Content}
			we.DedupKey = ev.TextDelta.DedupKey
		}
	case orchestrator.EventReasoningStep:
		we.Rich = &richPayload{Type: "reasoning_step", Data: ev.ReasoningStep}
	case orchestrator.EventToolCall:
		we.Rich = &richPayload{Type: "tool_call", Data: ev.ToolCall}
	case orchestrator.EventDataframe:
		we.Rich = &richPayload{Type: "dataframe", Data: ev.Dataframe}
	case orchestrator.EventChart:
		we.Rich = &richPayload{Type: "chart", Data: ev.Chart}
	case orchestrator.EventError:
		if ev.Error != nil {
			we.Simple = &simplePayload{Text: ev.Error.Hint}
			we.Rich = &richPayload{Type: "status_card", Data: ev.Error}
		}
	}

	return we
}
