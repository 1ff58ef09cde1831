// Package analyzer implements C3: the semantic tokenizer, question
// rewriter, and table-selection logic that turns a raw natural-language
// question into a structured analysis the agent loop can act on.
package analyzer

// Token type tags, mirrored in internal/knowledge for persistence.
const (
	TypeTimeRule   = "time_rule"
	TypeComparison = "comparison"
	TypeTerm       = "term"
	TypeFieldMap   = "field_mapping"
	TypeChartHint  = "chart_hint"
	TypeMetric     = "metric"
	TypeDimension  = "dimension"
	TypeSort       = "sort"
	TypePlain      = "plain"
)

// SemanticToken is one non-overlapping span of a tokenized question.
type SemanticToken struct {
	Text        string
	Type        string
	TypeLabel   string
	Start       int
	End         int
	Description string
	Value       string
}

// span is (start, end) half-open; used for the overlap check.
type span struct {
	start, end int
}

func (s span) overlaps(start, end int) bool {
	return start < s.end && end > s.start
}

// AnalysisResult is the full C3 output for one question.
type AnalysisResult struct {
	Question       string
	Rewritten      string
	Tokens         []SemanticToken
	SelectedTables []string
	TableScores    map[string]float64
	UsedLLMFallback bool
	DetectedType   string // chart type hint derived from tokens, if any
	ChartType      string
	Dimensions     []string
	Metrics        []string
	TimeRange      string
	Feasible       bool
	FeasibilityMsg string
}
