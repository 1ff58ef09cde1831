package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nl2sql/backend/internal/executor"
	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/provider"
)

// scriptedLLM returns one ChatResponse per call from a fixed script, and
// optionally sleeps before responding to simulate slow upstream latency.
type scriptedLLM struct {
	responses []provider.ChatResponse
	delay     time.Duration
	calls     int
}

func (s *scriptedLLM) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return provider.ChatResponse{}, ctx.Err()
		}
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func (s *scriptedLLM) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatDelta, error) {
	panic("not used by the agent loop")
}

func TestLoopRunReturnsFinalContentWhenNoToolsRequested(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{{Content: "上季度销售额为100万元"}}}
	exec := &fakeExecutor{}
	loop := NewLoop(llm, exec, NewPermissionManager(), NewArtifactStore(t.TempDir()), Config{MaxIterations: 4, DeadlineSec: 5})

	result, err := loop.Run(context.Background(), Request{UserID: "u1", Group: knowledge.GroupUser})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalContent != "上季度销售额为100万元" {
		t.Fatalf("got=%q", result.FinalContent)
	}
	if result.Aborted {
		t.Fatalf("a clean single-shot answer must not be marked aborted")
	}
}

func TestLoopRunDispatchesToolCallsThenFinishes(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: ToolRunSQL, Arguments: `{"sql":"SELECT id FROM sales"}`}}},
		{Content: "done"},
	}}
	exec := &fakeExecutor{result: &executor.Result{Columns: []executor.Column{{Name: "id"}}, Rows: []executor.Row{{1}}}}
	loop := NewLoop(llm, exec, NewPermissionManager(), NewArtifactStore(t.TempDir()), Config{MaxIterations: 4, DeadlineSec: 5})

	result, err := loop.Run(context.Background(), Request{UserID: "u1", Group: knowledge.GroupUser})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ToolCalls) != 1 || !result.ToolCalls[0].Success {
		t.Fatalf("got=%+v want one successful tool call", result.ToolCalls)
	}
	if result.FinalContent != "done" {
		t.Fatalf("got=%q want=%q", result.FinalContent, "done")
	}
	if exec.calls != 1 {
		t.Fatalf("got=%d executor calls want=1", exec.calls)
	}
}

func TestLoopRunRejectsDisallowedSQLWithoutAbortingTheLoop(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: ToolRunSQL, Arguments: `{"sql":"DROP TABLE sales;"}`}}},
		{Content: "抱歉，这条语句不被允许"},
	}}
	exec := &fakeExecutor{result: &executor.Result{}}
	loop := NewLoop(llm, exec, NewPermissionManager(), NewArtifactStore(t.TempDir()), Config{MaxIterations: 4, DeadlineSec: 5})

	result, err := loop.Run(context.Background(), Request{UserID: "u1", Group: knowledge.GroupUser})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.SQLRejected {
		t.Fatalf("got SQLRejected=false want=true")
	}
	if result.Aborted {
		t.Fatalf("a rejected SQL tool call must not abort the whole loop")
	}
	if exec.calls != 0 {
		t.Fatalf("the executor must never run a rejected statement, got=%d calls", exec.calls)
	}
}

func TestLoopRunDeniesToolAccessForUnauthorizedGroup(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: ToolRunSQL, Arguments: `{"sql":"SELECT 1 FROM sales"}`}}},
		{Content: "done"},
	}}
	exec := &fakeExecutor{result: &executor.Result{}}
	perms := NewPermissionManager()
	perms.SetGroupPermissions(knowledge.GroupGuest, nil, []string{ToolRunSQL})
	loop := NewLoop(llm, exec, perms, NewArtifactStore(t.TempDir()), Config{MaxIterations: 4, DeadlineSec: 5})

	result, err := loop.Run(context.Background(), Request{UserID: "u1", Group: knowledge.GroupGuest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("got=%d executor calls want=0, permission denial must happen before dispatch", exec.calls)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Success {
		t.Fatalf("got=%+v want a single failed permission-denied tool result", result.ToolCalls)
	}
}

func TestLoopRunAbortsAtIterationCapWithoutExceedingCalls(t *testing.T) {
	llm := &scriptedLLM{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: ToolRunSQL, Arguments: `{"sql":"SELECT 1 FROM sales"}`}}},
	}}
	exec := &fakeExecutor{result: &executor.Result{}}
	loop := NewLoop(llm, exec, NewPermissionManager(), NewArtifactStore(t.TempDir()), Config{MaxIterations: 2, DeadlineSec: 5})

	result, err := loop.Run(context.Background(), Request{UserID: "u1", Group: knowledge.GroupUser})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Aborted || result.AbortReason != "max iterations reached" {
		t.Fatalf("got aborted=%v reason=%q want aborted=true reason=%q", result.Aborted, result.AbortReason, "max iterations reached")
	}
	if result.Iterations != 2 {
		t.Fatalf("got=%d iterations want=2", result.Iterations)
	}
}

// TestLoopRunChatDeadlineExceededAbortsGracefully implements scenario 5: a
// 70ms LLM latency against a 60ms budget must surface as a graceful
// deadline_exceeded abort, not a hard error, even though the deadline
// expires inside the Chat call itself rather than at an iteration boundary.
func TestLoopRunChatDeadlineExceededAbortsGracefully(t *testing.T) {
	llm := &scriptedLLM{delay: 70 * time.Millisecond, responses: []provider.ChatResponse{{Content: "should never be reached"}}}
	exec := &fakeExecutor{}
	loop := NewLoop(llm, exec, NewPermissionManager(), NewArtifactStore(t.TempDir()), Config{MaxIterations: 8, DeadlineSec: 0})
	loop.deadline = 60 * time.Millisecond

	result, err := loop.Run(context.Background(), Request{UserID: "u1", Group: knowledge.GroupUser})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Aborted || result.AbortReason != "deadline exceeded" {
		t.Fatalf("got aborted=%v reason=%q want aborted=true reason=%q", result.Aborted, result.AbortReason, "deadline exceeded")
	}
	if exec.calls != 0 {
		t.Fatalf("got=%d executor calls want=0, no tool call was ever requested", exec.calls)
	}
}

// TestLoopRunWithCallbacksChatDeadlineExceededAbortsGracefully is the
// RunWithCallbacks counterpart: the error path must also notify onStep
// with a "error"/"deadline exceeded" step instead of returning a hard error.
func TestLoopRunWithCallbacksChatDeadlineExceededAbortsGracefully(t *testing.T) {
	llm := &scriptedLLM{delay: 70 * time.Millisecond, responses: []provider.ChatResponse{{Content: "should never be reached"}}}
	exec := &fakeExecutor{}
	loop := NewLoop(llm, exec, NewPermissionManager(), NewArtifactStore(t.TempDir()), Config{MaxIterations: 8, DeadlineSec: 0})
	loop.deadline = 60 * time.Millisecond

	var steps []string
	onStep := func(step int, status, label string) { steps = append(steps, status+":"+label) }

	result, err := loop.RunWithCallbacks(context.Background(), Request{UserID: "u1", Group: knowledge.GroupUser}, onStep, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Aborted || result.AbortReason != "deadline exceeded" {
		t.Fatalf("got aborted=%v reason=%q want aborted=true reason=%q", result.Aborted, result.AbortReason, "deadline exceeded")
	}
	if len(steps) == 0 || steps[len(steps)-1] != "error:deadline exceeded" {
		t.Fatalf("got steps=%v want last step=%q", steps, "error:deadline exceeded")
	}
}

// slowExecutor simulates a tool dispatch that runs past the loop's deadline
// budget, so the abort is observed at the next iteration boundary rather
// than as a Chat-call error.
type slowExecutor struct {
	delay  time.Duration
	result *executor.Result
}

func (e *slowExecutor) Execute(ctx context.Context, sql string) (*executor.Result, error) {
	select {
	case <-time.After(e.delay):
	case <-ctx.Done():
	}
	return e.result, nil
}

// TestLoopRunDeadlineExceededStopsAtNextBoundary implements scenario 5: a
// tool dispatch that runs past a 60ms deadline budget yields one
// deadline_exceeded abort at the next iteration boundary and no further
// LLM calls.
func TestLoopRunDeadlineExceededStopsAtNextBoundary(t *testing.T) {
	llm := &scriptedLLM{
		responses: []provider.ChatResponse{
			{ToolCalls: []provider.ToolCall{{ID: "c1", Name: ToolRunSQL, Arguments: `{"sql":"SELECT 1 FROM sales"}`}}},
			{Content: "should never be reached"},
		},
	}
	exec := &slowExecutor{delay: 70 * time.Millisecond, result: &executor.Result{}}
	loop := NewLoop(llm, exec, NewPermissionManager(), NewArtifactStore(t.TempDir()), Config{MaxIterations: 8, DeadlineSec: 0})
	loop.deadline = 60 * time.Millisecond

	var steps []string
	onStep := func(step int, status, label string) { steps = append(steps, status) }

	result, err := loop.RunWithCallbacks(context.Background(), Request{UserID: "u1", Group: knowledge.GroupUser}, onStep, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Aborted || result.AbortReason != "deadline exceeded" {
		t.Fatalf("got aborted=%v reason=%q want aborted=true reason=%q", result.Aborted, result.AbortReason, "deadline exceeded")
	}
	if steps[len(steps)-1] != "error" {
		t.Fatalf("got last step status=%q want=%q", steps[len(steps)-1], "error")
	}
	if llm.calls != 1 {
		t.Fatalf("got=%d LLM calls want=1, the loop must stop before issuing a second Chat call once the deadline has passed", llm.calls)
	}
}
