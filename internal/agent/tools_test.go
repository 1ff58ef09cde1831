package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/nl2sql/backend/internal/executor"
)

type fakeExecutor struct {
	result *executor.Result
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, sql string) (*executor.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestDispatchRunSQLRejectsDisallowedStatementWithoutExecuting(t *testing.T) {
	exec := &fakeExecutor{result: &executor.Result{}}
	artifacts := NewArtifactStore(t.TempDir())

	res := Dispatch(context.Background(), exec, artifacts, ToolRunSQL, `{"sql":"DROP TABLE sales;"}`)

	if res.Success {
		t.Fatalf("got success=true want false for a disallowed statement")
	}
	if exec.calls != 0 {
		t.Fatalf("got=%d executor calls want=0, the executor must never see a rejected statement", exec.calls)
	}
	if res.SQL != "DROP TABLE sales;" {
		t.Fatalf("got sql=%q want the rejected statement echoed back for the caller's record", res.SQL)
	}
}

func TestDispatchRunSQLExecutesValidatedSelectAndWritesArtifact(t *testing.T) {
	exec := &fakeExecutor{result: &executor.Result{
		Columns: []executor.Column{{Name: "region", Type: "TEXT"}},
		Rows:    []executor.Row{{"east"}, {"west"}},
	}}
	dir := t.TempDir()
	artifacts := NewArtifactStore(dir)

	res := Dispatch(context.Background(), exec, artifacts, ToolRunSQL, `{"sql":"SELECT region FROM sales"}`)

	if !res.Success {
		t.Fatalf("got success=false want true: %s", res.Content)
	}
	if exec.calls != 1 {
		t.Fatalf("got=%d executor calls want=1", exec.calls)
	}
	if len(res.Rows) != 2 || len(res.Columns) != 1 {
		t.Fatalf("got rows=%d cols=%d want rows=2 cols=1", len(res.Rows), len(res.Columns))
	}
	if res.FileHash == "" {
		t.Fatalf("got empty FileHash want a populated artifact hash on a successful run_sql")
	}

	cols, _, err := artifacts.Describe(res.FileHash)
	if err != nil {
		t.Fatalf("Describe(%q): %v, the artifact must exist by the time Dispatch returns", res.FileHash, err)
	}
	if len(cols) != 1 || cols[0] != "region" {
		t.Fatalf("got columns=%v want [region]", cols)
	}
}

func TestDispatchRunSQLSurfacesExecutorError(t *testing.T) {
	exec := &fakeExecutor{err: context.DeadlineExceeded}
	artifacts := NewArtifactStore(t.TempDir())

	res := Dispatch(context.Background(), exec, artifacts, ToolRunSQL, `{"sql":"SELECT 1 FROM sales"}`)

	if res.Success {
		t.Fatalf("got success=true want false when the executor errors")
	}
}

func TestDispatchUnknownToolFails(t *testing.T) {
	artifacts := NewArtifactStore(t.TempDir())
	res := Dispatch(context.Background(), &fakeExecutor{}, artifacts, "not_a_real_tool", `{}`)
	if res.Success {
		t.Fatalf("got success=true want false for an unknown tool")
	}
}

func TestDispatchVisualizeDerivesDescriptorFromArtifactColumns(t *testing.T) {
	exec := &fakeExecutor{result: &executor.Result{
		Columns: []executor.Column{{Name: "region", Type: "TEXT"}, {Name: "total", Type: "REAL"}},
		Rows:    []executor.Row{{"east", 12.5}, {"west", 9.0}},
	}}
	artifacts := NewArtifactStore(t.TempDir())

	runRes := Dispatch(context.Background(), exec, artifacts, ToolRunSQL, `{"sql":"SELECT region, total FROM sales"}`)
	if !runRes.Success {
		t.Fatalf("run_sql failed: %s", runRes.Content)
	}

	vizRes := Dispatch(context.Background(), exec, artifacts, ToolVisualizeData,
		fmt.Sprintf(`{"fileHash":%q}`, runRes.FileHash))
	if !vizRes.Success {
		t.Fatalf("got success=false want true: %s", vizRes.Content)
	}
	if vizRes.Content == "" {
		t.Fatalf("expected a non-empty chart descriptor")
	}
}

func TestDispatchVisualizeFailsOnUnknownFileHash(t *testing.T) {
	artifacts := NewArtifactStore(t.TempDir())
	res := Dispatch(context.Background(), &fakeExecutor{}, artifacts, ToolVisualizeData, `{"fileHash":"does-not-exist"}`)
	if res.Success {
		t.Fatalf("got success=true want false for a fileHash with no artifact on disk")
	}
}

func TestDispatchVisualizeRequiresFileHash(t *testing.T) {
	artifacts := NewArtifactStore(t.TempDir())
	res := Dispatch(context.Background(), &fakeExecutor{}, artifacts, ToolVisualizeData, `{}`)
	if res.Success {
		t.Fatalf("got success=true want false when fileHash is missing")
	}
}
