// Package orchestrator implements C7: the stream orchestrator that
// multiplexes analyzer progress, LLM deltas, tool results, and errors into
// a single ordered, idempotent server-sent-event stream per request.
package orchestrator

import (
	"strings"
	"time"
)

type EventType string

// The eight event kinds are a closed sum type; the SSE encoder rejects any
// other value rather than forwarding an unknown kind to the client.
const (
	EventConversationID EventType = "conversation_id"
	EventReasoningStep  EventType = "reasoning_step"
	EventTextDelta      EventType = "text_delta"
	EventToolCall       EventType = "tool_call"
	EventDataframe      EventType = "dataframe"
	EventChart          EventType = "chart"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

type Event struct {
	Type           EventType
	At             time.Time
	ConversationID string
	ReasoningStep  *ReasoningStepPayload
	TextDelta      *TextDeltaPayload
	ToolCall       *ToolCallPayload
	Dataframe      *DataframePayload
	Chart          *ChartPayload
	Error          *ErrorPayload
}

type ReasoningStepPayload struct {
	Step   int
	Status string // running | done | error
	Label  string
}

type TextDeltaPayload struct {
	Content  string
	DedupKey string
}

// NewTextDelta derives the dedup key from the first 50 runes of the
// trimmed delta content, per the stream's duplicate-suppression contract.
func NewTextDelta(content string) TextDeltaPayload {
	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) > 50 {
		runes = runes[:50]
	}
	return TextDeltaPayload{Content: content, DedupKey: string(runes)}
}

type ToolCallPayload struct {
	ToolName string
	Success  bool
	SQL      string
	Content  string
}

type DataframePayload struct {
	FileHash string
	Columns  []string
	RowCount int
}

type ChartPayload struct {
	Type  string
	XKey  string
	YKey  string
	Title string
}

// ErrorPayload.Kind carries an apperr.Kind value: validation, upstream,
// not_found, permission, deadline_exceeded or internal.
type ErrorPayload struct {
	Kind  string
	Hint  string
	Fatal bool
}
