package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/executor"
	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/provider"
	"github.com/nl2sql/backend/pkg/logger"
)

const (
	defaultMaxIterations = 8
	defaultDeadline      = 60 * time.Second
)

// StepCallback is invoked once per loop iteration with a human-readable
// status label, so the caller can surface reasoning-step events without
// the agent package knowing anything about the streaming transport.
type StepCallback func(step int, status, label string)

// ToolCallback is invoked once per dispatched tool call, successful or
// not, so the caller can persist a ToolCallRecord and surface a
// tool_call/dataframe event.
type ToolCallback func(step int, result ToolResult)

type Loop struct {
	llm       provider.LLMProvider
	exec      executor.QueryExecutor
	perms     *PermissionManager
	artifacts *ArtifactStore

	maxIterations int
	deadline      time.Duration
}

type Config struct {
	MaxIterations int
	DeadlineSec   int
}

func NewLoop(llm provider.LLMProvider, exec executor.QueryExecutor, perms *PermissionManager, artifacts *ArtifactStore, cfg Config) *Loop {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	deadline := defaultDeadline
	if cfg.DeadlineSec > 0 {
		deadline = time.Duration(cfg.DeadlineSec) * time.Second
	}
	return &Loop{llm: llm, exec: exec, perms: perms, artifacts: artifacts, maxIterations: maxIter, deadline: deadline}
}

type Request struct {
	UserID     string
	Group      knowledge.UserGroup
	SystemPrompt string
	Messages   []provider.ChatMessage
}

type Result struct {
	FinalContent   string
	ToolCalls      []ToolResult
	Iterations     int
	Aborted        bool
	AbortReason    string
	SQLRejected    bool
}

// Run drives the tool-calling loop: ask the LLM, dispatch any tool calls it
// requests, feed the results back, repeat until the LLM stops requesting
// tools, the iteration cap is hit, or the wall-clock deadline expires.
// A failed tool call is fed back to the LLM as a tool result and does NOT
// abort the loop — only exhausting the iteration cap or deadline does.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.deadline)
	defer cancel()

	allowedTools := l.perms.AllowedTools(req.Group)
	tools := filterCatalog(allowedTools)

	messages := make([]provider.ChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, provider.ChatMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	result := &Result{}

	for iter := 1; iter <= l.maxIterations; iter++ {
		result.Iterations = iter

		if ctx.Err() != nil {
			result.Aborted = true
			result.AbortReason = "deadline exceeded"
			return result, nil
		}

		resp, err := l.llm.Chat(ctx, provider.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				result.Aborted = true
				result.AbortReason = "deadline exceeded"
				return result, nil
			}
			return nil, fmt.Errorf("agent loop chat (iteration %d): %w", iter, err)
		}

		if len(resp.ToolCalls) == 0 {
			result.FinalContent = resp.Content
			return result, nil
		}

		assistantMsg := provider.ChatMessage{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)

		for _, call := range resp.ToolCalls {
			if !l.perms.CheckToolAccess(req.UserID, req.Group, call.Name) {
				tr := ToolResult{ToolName: call.Name, Success: false, Content: "permission denied"}
				result.ToolCalls = append(result.ToolCalls, tr)
				messages = append(messages, toolResultMessage(call.ID, tr))
				continue
			}

			tr := Dispatch(ctx, l.exec, l.artifacts, call.Name, call.Arguments)
			if call.Name == ToolRunSQL && !tr.Success {
				result.SQLRejected = true
			}
			result.ToolCalls = append(result.ToolCalls, tr)
			logger.Debug("agent tool dispatched",
				zap.Int("iteration", iter), zap.String("tool", call.Name), zap.Bool("success", tr.Success))
			messages = append(messages, toolResultMessage(call.ID, tr))
		}
	}

	result.Aborted = true
	result.AbortReason = "max iterations reached"
	return result, nil
}

// RunWithCallbacks is Run plus per-iteration/per-tool-call notification,
// used by the stream orchestrator to emit reasoning_step and tool_call
// events as the loop progresses instead of only after it finishes.
func (l *Loop) RunWithCallbacks(ctx context.Context, req Request, onStep StepCallback, onTool ToolCallback) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.deadline)
	defer cancel()

	allowedTools := l.perms.AllowedTools(req.Group)
	tools := filterCatalog(allowedTools)

	messages := make([]provider.ChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, provider.ChatMessage{Role: provider.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	result := &Result{}

	for iter := 1; iter <= l.maxIterations; iter++ {
		result.Iterations = iter

		if ctx.Err() != nil {
			result.Aborted = true
			result.AbortReason = "deadline exceeded"
			if onStep != nil {
				onStep(iter, "error", "deadline exceeded")
			}
			return result, nil
		}

		if onStep != nil {
			onStep(iter, "running", "thinking")
		}

		resp, err := l.llm.Chat(ctx, provider.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				result.Aborted = true
				result.AbortReason = "deadline exceeded"
				if onStep != nil {
					onStep(iter, "error", "deadline exceeded")
				}
				return result, nil
			}
			if onStep != nil {
				onStep(iter, "error", err.Error())
			}
			return nil, fmt.Errorf("agent loop chat (iteration %d): %w", iter, err)
		}

		if len(resp.ToolCalls) == 0 {
			result.FinalContent = resp.Content
			if onStep != nil {
				onStep(iter, "done", "answer ready")
			}
			return result, nil
		}

		assistantMsg := provider.ChatMessage{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)

		for _, call := range resp.ToolCalls {
			if !l.perms.CheckToolAccess(req.UserID, req.Group, call.Name) {
				tr := ToolResult{ToolName: call.Name, Success: false, Content: "permission denied"}
				result.ToolCalls = append(result.ToolCalls, tr)
				messages = append(messages, toolResultMessage(call.ID, tr))
				if onTool != nil {
					onTool(iter, tr)
				}
				continue
			}

			if onStep != nil {
				onStep(iter, "running", "calling "+call.Name)
			}
			tr := Dispatch(ctx, l.exec, l.artifacts, call.Name, call.Arguments)
			if call.Name == ToolRunSQL && !tr.Success {
				result.SQLRejected = true
			}
			result.ToolCalls = append(result.ToolCalls, tr)
			if onTool != nil {
				onTool(iter, tr)
			}
			messages = append(messages, toolResultMessage(call.ID, tr))
		}

		if onStep != nil {
			onStep(iter, "done", "tools executed")
		}
	}

	result.Aborted = true
	result.AbortReason = "max iterations reached"
	if onStep != nil {
		onStep(l.maxIterations, "error", "max iterations reached")
	}
	return result, nil
}

func toolResultMessage(toolCallID string, tr ToolResult) provider.ChatMessage {
	content := tr.Content
	if content == "" {
		b, _ := json.Marshal(tr)
		content = string(b)
	}
	return provider.ChatMessage{Role: provider.RoleTool, Content: content, ToolCallID: toolCallID}
}
