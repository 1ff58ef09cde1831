package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/agent"
	"github.com/nl2sql/backend/internal/analyzer"
	"github.com/nl2sql/backend/internal/apperr"
	"github.com/nl2sql/backend/internal/fewshot"
	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/memory"
	"github.com/nl2sql/backend/internal/metrics"
	"github.com/nl2sql/backend/internal/prompt"
	"github.com/nl2sql/backend/internal/provider"
	"github.com/nl2sql/backend/pkg/logger"
)

const (
	defaultBufferSize     = 256
	dropFullnessThreshold = 0.8
	dropDeltaAge          = 100 * time.Millisecond
)

// Orchestrator is C7. It owns exactly one event buffer per in-flight
// request: the agent loop is the single writer, the stream handler is the
// single reader. No state here is shared across concurrent requests.
type Orchestrator struct {
	store    *knowledge.Store
	analyzer *analyzer.Analyzer
	selector *fewshot.Selector
	composer *prompt.Composer
	loop     *agent.Loop
	memStore *memory.Store

	bufferSize int
}

type Config struct {
	BufferSize int
}

func New(store *knowledge.Store, an *analyzer.Analyzer, sel *fewshot.Selector, comp *prompt.Composer, loop *agent.Loop, memStore *memory.Store, cfg Config) *Orchestrator {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Orchestrator{store: store, analyzer: an, selector: sel, composer: comp, loop: loop, memStore: memStore, bufferSize: size}
}

// Turn is the inbound request for a single streamed exchange.
type Turn struct {
	ConversationID string
	UserID         string
	UserNickname   string
	Group          knowledge.UserGroup
	Message        string
	History        []provider.ChatMessage
}

// Stream runs one turn end to end, pushing ordered events onto the returned
// channel. The channel is closed once the producer finishes — with a
// trailing `done` event; after a fatal `deadline_exceeded` error event, with
// no `done`; or, on client cancellation, with no trailing event at all, per
// the no-half-closed-connection contract. Callers MUST drain the
// channel until it closes; Stream spawns exactly one producer goroutine.
func (o *Orchestrator) Stream(ctx context.Context, turn Turn) <-chan Event {
	out := make(chan Event, o.bufferSize)

	go func() {
		defer close(out)
		o.produce(ctx, turn, out)
	}()

	return out
}

// sender centralizes the backpressure policy described by this module's
// bounded-buffer contract: when the buffer is more than 80% full, a
// text-only delta older than 100ms may be silently dropped; every other
// event kind (and every delta when the buffer has room) is always sent,
// blocking the producer if necessary.
type sender struct {
	out      chan Event
	capacity int
	mu       sync.Mutex
	dropped  int
}

func newSender(out chan Event, capacity int) *sender {
	return &sender{out: out, capacity: capacity}
}

func (s *sender) send(ctx context.Context, ev Event) {
	metrics.StreamBufferDepth.Set(float64(len(s.out)))

	if ev.Type == EventTextDelta {
		s.mu.Lock()
		full := float64(len(s.out)) / float64(s.capacity)
		s.mu.Unlock()
		if full > dropFullnessThreshold && time.Since(ev.At) > dropDeltaAge {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			metrics.StreamDroppedDeltas.Inc()
			return
		}
	}

	metrics.StreamEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) produce(ctx context.Context, turn Turn, out chan Event) {
	s := newSender(out, o.bufferSize)
	convID := turn.ConversationID
	isNew := convID == ""
	if isNew {
		convID = uuid.NewString()
	}

	s.send(ctx, Event{Type: EventConversationID, At: time.Now(), ConversationID: convID})

	if isNew {
		if err := o.store.StartConversation(ctx, convID, turn.UserID, "chat"); err != nil {
			o.emitFatal(ctx, s, convID, apperr.Internal("could not start conversation", err))
			return
		}
	}

	userMsg := &knowledge.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           knowledge.RoleUser,
		Content:        turn.Message,
		CreatedAt:      time.Now(),
	}
	if err := o.store.PersistMessage(ctx, userMsg); err != nil {
		o.emitFatal(ctx, s, convID, apperr.Internal("could not persist user message", err))
		return
	}

	mem, err := o.memorySessionOrNil(ctx, turn.UserID)
	if err != nil {
		logger.Warn("memory session unavailable, continuing without it", zap.Error(err))
	}

	s.send(ctx, Event{Type: EventReasoningStep, At: time.Now(), ConversationID: convID,
		ReasoningStep: &ReasoningStepPayload{Step: 0, Status: "running", Label: "analyzing question"}})

	tokens := analyzer.Tokenize(turn.Message, o.store.Dicts())
	tables, _, err := o.analyzer.SelectTables(ctx, turn.Message)
	if err != nil {
		logger.Warn("table selection failed, continuing with empty table set", zap.Error(err))
	}
	rewritten := o.analyzer.RewriteQuestion(ctx, turn.Message, turn.UserID, lastTurnContent(turn.History))
	feasibility := o.analyzer.CheckFeasibility(turn.Message, tables, tokens)

	s.send(ctx, Event{Type: EventReasoningStep, At: time.Now(), ConversationID: convID,
		ReasoningStep: &ReasoningStepPayload{Step: 0, Status: "done", Label: "analysis complete"}})

	if !feasibility.CanAnswer {
		content := feasibility.Reason
		o.finishAssistant(ctx, s, convID, content, &knowledge.MessageExtra{ErrorMessage: feasibility.Reason})
		s.send(ctx, Event{Type: EventDone, At: time.Now(), ConversationID: convID})
		return
	}

	examples, debug, err := o.selector.Select(ctx, turn.UserID, turn.Message)
	if err != nil {
		logger.Warn("few-shot selection failed, continuing without examples", zap.Error(err))
	}

	systemPrompt, err := o.composer.ActiveContent(ctx, "system_prompt")
	if err != nil {
		systemPrompt = ""
	}
	systemPrompt = prompt.Format(systemPrompt, map[string]string{
		"rewritten_question": rewritten,
		"user_nickname":      turn.UserNickname,
	})
	systemPrompt = appendExamples(systemPrompt, examples)

	messages := append([]provider.ChatMessage{}, turn.History...)
	if mem != nil {
		if ctxPrompt := mem.ContextPrompt(); ctxPrompt != "" {
			messages = append(messages, provider.ChatMessage{Role: provider.RoleSystem, Content: ctxPrompt})
		}
	}
	messages = append(messages, provider.ChatMessage{Role: provider.RoleUser, Content: rewritten})

	req := agent.Request{UserID: turn.UserID, Group: turn.Group, SystemPrompt: systemPrompt, Messages: messages}

	emittedDataframe := false
	var fileHash string
	var chartHint *knowledge.ChartDescriptor
	var reasoningSteps []knowledge.ReasoningStep

	onStep := func(step int, status, label string) {
		reasoningSteps = append(reasoningSteps, knowledge.ReasoningStep{Step: step, Status: status, Label: label})
		s.send(ctx, Event{Type: EventReasoningStep, At: time.Now(), ConversationID: convID,
			ReasoningStep: &ReasoningStepPayload{Step: step, Status: status, Label: label}})
	}

	onTool := func(step int, tr agent.ToolResult) {
		outcome := "success"
		if !tr.Success {
			outcome = "failure"
		}
		metrics.ToolDispatchTotal.WithLabelValues(tr.ToolName, outcome).Inc()

		s.send(ctx, Event{Type: EventToolCall, At: time.Now(), ConversationID: convID,
			ToolCall: &ToolCallPayload{ToolName: tr.ToolName, Success: tr.Success, SQL: tr.SQL, Content: tr.Content}})

		if tr.ToolName == agent.ToolRunSQL && tr.Success {
			fileHash = tr.FileHash
			s.send(ctx, Event{Type: EventDataframe, At: time.Now(), ConversationID: convID,
				Dataframe: &DataframePayload{FileHash: fileHash, Columns: tr.Columns, RowCount: len(tr.Rows)}})
			emittedDataframe = true
		}

		if tr.ToolName == agent.ToolVisualizeData && tr.Success && emittedDataframe {
			var vp struct {
				ChartType string `json:"type"`
				XKey      string `json:"xKey"`
				YKey      string `json:"yKey"`
				Title     string `json:"title"`
			}
			if err := json.Unmarshal([]byte(tr.Content), &vp); err == nil {
				chartHint = &knowledge.ChartDescriptor{Type: vp.ChartType, XKey: vp.XKey, YKey: vp.YKey, Title: vp.Title}
				s.send(ctx, Event{Type: EventChart, At: time.Now(), ConversationID: convID,
					Chart: &ChartPayload{Type: vp.ChartType, XKey: vp.XKey, YKey: vp.YKey, Title: vp.Title}})
			}
		}
	}

	loopStart := time.Now()
	result, err := o.loop.RunWithCallbacks(ctx, req, onStep, onTool)
	loopOutcome := "ok"
	if err != nil {
		loopOutcome = "error"
	} else if result != nil && result.Aborted {
		loopOutcome = "aborted"
	}
	metrics.AgentLoopDuration.WithLabelValues(loopOutcome).Observe(time.Since(loopStart).Seconds())
	if result != nil {
		metrics.AgentLoopIterations.Observe(float64(result.Iterations))
	}

	metrics.RAGRetrievalHitRate.WithLabelValues("rag").Set(boolToFloat(debug.RAGUsed))
	metrics.RAGRetrievalHitRate.WithLabelValues("memory").Set(boolToFloat(debug.MemoryUsed))

	if result != nil && result.Aborted && result.AbortReason == "deadline exceeded" {
		s.send(ctx, Event{Type: EventError, At: time.Now(), ConversationID: convID,
			Error: &ErrorPayload{Kind: string(apperr.KindDeadlineExceeded), Hint: result.AbortReason, Fatal: true}})
		o.persistAborted(context.Background(), convID, tokens, tables, debug, result, fileHash, chartHint, reasoningSteps)
		_ = o.store.MarkConversationError(context.Background(), convID)
		return
	}

	if ctx.Err() != nil {
		o.persistAborted(context.Background(), convID, tokens, tables, debug, result, fileHash, chartHint, reasoningSteps)
		return
	}

	if err != nil {
		o.emitFatal(ctx, s, convID, apperr.Upstream("the assistant could not produce an answer", err))
		_ = o.store.MarkConversationError(context.Background(), convID)
		return
	}

	extra := &knowledge.MessageExtra{
		SelectedTables: tableNames(tables),
		FewShotDebug:   &knowledge.FewShotDebug{RAGUsed: debug.RAGUsed, RAGCount: debug.RAGCount, MemoryUsed: debug.MemoryUsed, MemoryCount: debug.MemoryCount},
		FileHash:       fileHash,
		ChartHint:      chartHint,
		ReasoningSteps: reasoningSteps,
		SemanticTokens: semanticTokenViews(tokens),
		KnowledgeItems: knowledgeItemsFromTokens(tokens),
	}
	for _, tc := range result.ToolCalls {
		if tc.ToolName == agent.ToolRunSQL && tc.Success {
			extra.SQL = tc.SQL
		}
	}
	extra.SQLRejected = result.SQLRejected
	extra.Aborted = result.Aborted
	if result.Aborted {
		s.send(ctx, Event{Type: EventError, At: time.Now(), ConversationID: convID,
			Error: &ErrorPayload{Kind: string(apperr.KindUpstream), Hint: result.AbortReason, Fatal: false}})
	}

	o.finishAssistant(ctx, s, convID, result.FinalContent, extra)

	if mem != nil {
		mem.AddMessage("user", turn.Message)
		mem.AddMessage("assistant", result.FinalContent)
		if err := o.memStore.Save(context.Background(), mem); err != nil {
			logger.Warn("failed to save memory session", zap.Error(err))
		}
	}

	_ = o.store.AppendQueryHistory(context.Background(), &knowledge.QueryHistory{
		UserID: turn.UserID, RawText: turn.Message, Rewritten: rewritten,
		CreatedAt: time.Now(),
	})

	s.send(ctx, Event{Type: EventDone, At: time.Now(), ConversationID: convID})
}

func (o *Orchestrator) finishAssistant(ctx context.Context, s *sender, convID, content string, extra *knowledge.MessageExtra) {
	msg := &knowledge.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           knowledge.RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now(),
		Extra:          extra,
	}
	if err := o.store.PersistMessage(context.Background(), msg); err != nil {
		logger.Error("failed to persist assistant message", zap.Error(err))
	}

	for _, chunk := range splitDeltas(content) {
		s.send(ctx, Event{Type: EventTextDelta, At: time.Now(), ConversationID: convID,
			TextDelta: deltaPayload(chunk)})
	}
}

// persistAborted implements scenario 4 (client disconnect) and the
// deadline_exceeded terminal path: the loop stops at the next boundary and
// a partial assistant message is recorded with an aborted marker, carrying
// whatever table-data reference, chart descriptor, reasoning steps, and
// semantic tokens had already been produced before the stop.
func (o *Orchestrator) persistAborted(ctx context.Context, convID string, tokens []analyzer.SemanticToken, tables []analyzer.TableMatch, debug fewshot.Debug, result *agent.Result, fileHash string, chartHint *knowledge.ChartDescriptor, reasoningSteps []knowledge.ReasoningStep) {
	content := ""
	extra := &knowledge.MessageExtra{
		Aborted:        true,
		SelectedTables: tableNames(tables),
		FileHash:       fileHash,
		ChartHint:      chartHint,
		ReasoningSteps: reasoningSteps,
		SemanticTokens: semanticTokenViews(tokens),
		KnowledgeItems: knowledgeItemsFromTokens(tokens),
		FewShotDebug:   &knowledge.FewShotDebug{RAGUsed: debug.RAGUsed, RAGCount: debug.RAGCount, MemoryUsed: debug.MemoryUsed, MemoryCount: debug.MemoryCount},
	}
	if result != nil {
		content = result.FinalContent
		extra.SQLRejected = result.SQLRejected
		for _, tc := range result.ToolCalls {
			if tc.ToolName == agent.ToolRunSQL && tc.Success {
				extra.SQL = tc.SQL
			}
		}
	}
	msg := &knowledge.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           knowledge.RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now(),
		Extra:          extra,
	}
	if err := o.store.PersistMessage(ctx, msg); err != nil {
		logger.Error("failed to persist aborted assistant message", zap.Error(err))
	}
}

func (o *Orchestrator) emitFatal(ctx context.Context, s *sender, convID string, appErr *apperr.Error) {
	s.send(ctx, Event{Type: EventError, At: time.Now(), ConversationID: convID,
		Error: &ErrorPayload{Kind: string(appErr.Kind), Hint: appErr.Hint, Fatal: true}})
	s.send(ctx, Event{Type: EventDone, At: time.Now(), ConversationID: convID})
}

func (o *Orchestrator) memorySessionOrNil(ctx context.Context, userID string) (*memory.Session, error) {
	if o.memStore == nil {
		return nil, nil
	}
	return o.memStore.GetOrCreate(ctx, userID)
}

// lastTurnContent returns the most recent message's content, for the
// analyzer's pronoun-resolving question rewrite; empty for a fresh
// conversation with no prior history.
func lastTurnContent(history []provider.ChatMessage) string {
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].Content
}

// semanticTokenViews projects the analyzer's tokenization onto the
// persisted Message.Extra shape, so the union of spans reconstructs the
// original question even after the analyzer's own types are gone.
func semanticTokenViews(tokens []analyzer.SemanticToken) []knowledge.SemanticTokenView {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]knowledge.SemanticTokenView, len(tokens))
	for i, t := range tokens {
		out[i] = knowledge.SemanticTokenView{
			Start: t.Start, End: t.End, Text: t.Text, Type: t.Type,
			Description: t.Description, Canonical: t.Value,
		}
	}
	return out
}

// knowledgeItemsFromTokens names the distinct business-term and
// field-mapping hits the tokenizer resolved against C1's dictionaries —
// the "knowledge items used" persisted alongside the answer.
func knowledgeItemsFromTokens(tokens []analyzer.SemanticToken) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tokens {
		if t.Type != analyzer.TypeTerm && t.Type != analyzer.TypeFieldMap {
			continue
		}
		if seen[t.Text] {
			continue
		}
		seen[t.Text] = true
		out = append(out, t.Text)
	}
	return out
}

func tableNames(matches []analyzer.TableMatch) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Name
	}
	return out
}

func appendExamples(systemPrompt string, examples []fewshot.Example) string {
	if len(examples) == 0 {
		return systemPrompt
	}
	suffix := "\n\nRelevant prior question/SQL pairs:\n"
	for _, ex := range examples {
		suffix += fmt.Sprintf("Q: %s\nSQL: %s\n", ex.Question, ex.SQL)
	}
	return systemPrompt + suffix
}

// splitDeltas chunks a finished answer into delta-sized pieces for replay
// to SSE clients that expect incremental text_delta events even though the
// underlying agent loop call was non-streaming.
func splitDeltas(content string) []string {
	const chunkRunes = 40
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(runes); i += chunkRunes {
		end := i + chunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func deltaPayload(content string) *TextDeltaPayload {
	p := NewTextDelta(content)
	return &p
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
