package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nl2sql/backend/internal/executor"
	"github.com/nl2sql/backend/internal/provider"
)

const (
	ToolRunSQL        = "run_sql"
	ToolVisualizeData = "visualize_data"
)

// Catalog is the full tool declaration set offered to the LLM; callers
// narrow it per request via PermissionManager.AllowedTools.
func Catalog() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        ToolRunSQL,
			Description: "Execute a read-only SQL SELECT query against the connected database and return the resulting rows.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql": map[string]any{"type": "string", "description": "A SELECT statement"},
				},
				"required": []string{"sql"},
			},
		},
		{
			Name:        ToolVisualizeData,
			Description: "Derive a chart description (type, axis keys, title) for the result set produced by an earlier run_sql call, identified by its fileHash.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"fileHash":      map[string]any{"type": "string", "description": "The fileHash returned by a prior run_sql call"},
					"chartTypeHint": map[string]any{"type": "string", "enum": []string{"line", "bar", "pie"}, "description": "Preferred chart type; the tool may override it if the data doesn't fit"},
				},
				"required": []string{"fileHash"},
			},
		},
	}
}

func filterCatalog(allowed []string) []provider.ToolSpec {
	allowedSet := map[string]bool{}
	for _, t := range allowed {
		allowedSet[t] = true
	}
	var out []provider.ToolSpec
	for _, t := range Catalog() {
		if allowedSet[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

type runSQLArgs struct {
	SQL string `json:"sql"`
}

type visualizeArgs struct {
	FileHash      string `json:"fileHash"`
	ChartTypeHint string `json:"chartTypeHint"`
}

// ToolResult is the uniform outcome of a single tool dispatch, including
// the raw data the orchestrator needs to render a dataframe event.
type ToolResult struct {
	ToolName string
	Success  bool
	Content  string // JSON-encoded result or error message
	SQL      string // populated only for run_sql
	Rows     [][]any
	Columns  []string
	FileHash string // populated only for a successful run_sql; names the CSV artifact
}

// Dispatch runs a single tool call by name. It never returns an error for
// a tool-level failure (bad SQL, executor error) — those are encoded into
// ToolResult.Success/Content so the agent loop can continue to the next
// iteration instead of aborting, per this module's non-aborting dispatch
// policy.
func Dispatch(ctx context.Context, exec executor.QueryExecutor, artifacts *ArtifactStore, toolName, rawArgs string) ToolResult {
	switch toolName {
	case ToolRunSQL:
		return dispatchRunSQL(ctx, exec, artifacts, rawArgs)
	case ToolVisualizeData:
		return dispatchVisualize(artifacts, rawArgs)
	default:
		return ToolResult{ToolName: toolName, Success: false, Content: fmt.Sprintf("unknown tool %q", toolName)}
	}
}

func dispatchRunSQL(ctx context.Context, exec executor.QueryExecutor, artifacts *ArtifactStore, rawArgs string) ToolResult {
	var args runSQLArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return ToolResult{ToolName: ToolRunSQL, Success: false, Content: "invalid arguments: " + err.Error()}
	}
	if reason := GuardSQL(args.SQL); reason != "" {
		return ToolResult{ToolName: ToolRunSQL, Success: false, SQL: args.SQL, Content: "rejected: " + reason}
	}
	result, err := exec.Execute(ctx, args.SQL)
	if err != nil {
		return ToolResult{ToolName: ToolRunSQL, Success: false, SQL: args.SQL, Content: "execution failed: " + err.Error()}
	}

	cols := make([]string, len(result.Columns))
	for i, c := range result.Columns {
		cols[i] = c.Name
	}
	rows := make([][]any, len(result.Rows))
	for i, r := range result.Rows {
		rows[i] = []any(r)
	}

	fileHash, err := artifacts.Write(args.SQL, cols, rows)
	if err != nil {
		return ToolResult{ToolName: ToolRunSQL, Success: false, SQL: args.SQL, Content: "artifact write failed: " + err.Error()}
	}

	content, _ := json.Marshal(map[string]any{"columns": cols, "rows": rows, "fileHash": fileHash})
	return ToolResult{ToolName: ToolRunSQL, Success: true, SQL: args.SQL, Content: string(content), Columns: cols, Rows: rows, FileHash: fileHash}
}

// dispatchVisualize derives a chart descriptor from the artifact's own
// columns rather than trusting axis keys handed in by the caller, so the
// chart always reflects the data actually behind fileHash.
func dispatchVisualize(artifacts *ArtifactStore, rawArgs string) ToolResult {
	var args visualizeArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return ToolResult{ToolName: ToolVisualizeData, Success: false, Content: "invalid arguments: " + err.Error()}
	}
	if args.FileHash == "" {
		return ToolResult{ToolName: ToolVisualizeData, Success: false, Content: "fileHash is required"}
	}
	columns, sample, err := artifacts.Describe(args.FileHash)
	if err != nil {
		return ToolResult{ToolName: ToolVisualizeData, Success: false, Content: "artifact lookup failed: " + err.Error()}
	}

	descriptor := describeChart(columns, sample, args.ChartTypeHint)
	content, _ := json.Marshal(descriptor)
	return ToolResult{ToolName: ToolVisualizeData, Success: true, Content: string(content), FileHash: args.FileHash}
}

type chartDescriptor struct {
	Type  string `json:"type"`
	XKey  string `json:"xKey"`
	YKey  string `json:"yKey"`
	Title string `json:"title"`
}

// describeChart picks the first column as the category/x axis and the
// first column that looks numeric in the sample row as the y axis,
// falling back to the second column when no numeric sample is available.
func describeChart(columns []string, sample []string, chartTypeHint string) chartDescriptor {
	if len(columns) == 0 {
		return chartDescriptor{Type: "bar", Title: "Query results"}
	}

	xKey := columns[0]
	yKey := columns[0]
	if len(columns) > 1 {
		yKey = columns[1]
	}
	for i, v := range sample {
		if i == 0 || i >= len(columns) {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			yKey = columns[i]
			break
		}
	}

	chartType := chartTypeHint
	switch chartType {
	case "line", "bar", "pie":
	default:
		chartType = "bar"
	}

	return chartDescriptor{
		Type:  chartType,
		XKey:  xKey,
		YKey:  yKey,
		Title: fmt.Sprintf("%s by %s", yKey, xKey),
	}
}
