package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/nl2sql/backend/internal/provider"
)

func newTestAnalyzer(tables []TableInfo) *Analyzer {
	a := New(nil, nil, Config{TableSelectFloor: 0.15})
	a.LoadSchema(tables)
	return a
}

func TestSelectTablesMatchesByKeyword(t *testing.T) {
	a := newTestAnalyzer([]TableInfo{
		{Name: "sales", ColumnNames: []string{"id", "amount", "region"}},
		{Name: "employees", ColumnNames: []string{"id", "name"}},
	})

	matches, fromLLM, err := a.SelectTables(context.Background(), "上个月的销售额是多少")
	if err != nil {
		t.Fatalf("SelectTables: %v", err)
	}
	if fromLLM {
		t.Fatalf("got fromLLM=true want=false for a keyword match")
	}
	if len(matches) != 1 || matches[0].Name != "sales" {
		t.Fatalf("got=%+v want a single match on sales", matches)
	}
}

func TestSelectTablesMatchesByColumnName(t *testing.T) {
	a := newTestAnalyzer([]TableInfo{
		{Name: "t1", ColumnNames: []string{"region", "total"}},
	})

	matches, _, err := a.SelectTables(context.Background(), "按region统计数据")
	if err != nil {
		t.Fatalf("SelectTables: %v", err)
	}
	if len(matches) != 1 || matches[0].Name != "t1" {
		t.Fatalf("got=%+v want a column-based match on t1", matches)
	}
}

func TestSelectTablesCapsAtFiveAndSortsByScore(t *testing.T) {
	var tables []TableInfo
	for i := 0; i < 8; i++ {
		tables = append(tables, TableInfo{Name: "sales_" + string(rune('a'+i)), ColumnNames: []string{"id"}})
	}
	a := newTestAnalyzer(tables)

	matches, _, err := a.SelectTables(context.Background(), "销量情况")
	if err != nil {
		t.Fatalf("SelectTables: %v", err)
	}
	if len(matches) > 5 {
		t.Fatalf("got=%d matches want<=5", len(matches))
	}
}

func TestSelectTablesNoMatchNoFallbackReturnsEmpty(t *testing.T) {
	a := newTestAnalyzer([]TableInfo{{Name: "employees", ColumnNames: []string{"id", "name"}}})

	matches, fromLLM, err := a.SelectTables(context.Background(), "今天天气怎么样")
	if err != nil {
		t.Fatalf("SelectTables: %v", err)
	}
	if len(matches) != 0 || fromLLM {
		t.Fatalf("got matches=%v fromLLM=%v want empty/false with no llm or kg wired in", matches, fromLLM)
	}
}

func TestKeywordOverlapScoreFractionOfMatchingColumns(t *testing.T) {
	matches := []TableMatch{{Columns: []string{"amount", "region"}}}
	score := keywordOverlapScore("请给出各region的amount汇总", matches)
	if score != 1.0 {
		t.Fatalf("got=%v want=1.0 when every column name appears in the question", score)
	}

	score = keywordOverlapScore("完全不相关的问题", matches)
	if score != 0 {
		t.Fatalf("got=%v want=0 when no column name appears", score)
	}
}

func TestCheckFeasibilityRequiresTablesAndConfidenceFloor(t *testing.T) {
	a := newTestAnalyzer(nil)

	feas := a.CheckFeasibility("销售额如何", nil, nil)
	if feas.CanAnswer {
		t.Fatalf("got CanAnswer=true want=false when no tables were found at all")
	}
	if len(feas.Suggestions) == 0 {
		t.Fatalf("expected at least one suggestion when the question cannot be answered")
	}
}

func TestCheckFeasibilityCanAnswerWithTablesAndKnowledge(t *testing.T) {
	a := newTestAnalyzer(nil)
	tables := []TableMatch{{Name: "sales", MatchReason: "包含关键词 '销售额'"}}
	tokens := []SemanticToken{{Text: "销售额", Type: TypeTerm}}

	feas := a.CheckFeasibility("销售额如何", tables, tokens)
	if !feas.CanAnswer {
		t.Fatalf("got CanAnswer=false want=true: confidence=%v reason=%q", feas.Confidence, feas.Reason)
	}
}

type fakeRewriteLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeRewriteLLM) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return provider.ChatResponse{}, f.err
	}
	return provider.ChatResponse{Content: f.response}, nil
}

func (f *fakeRewriteLLM) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatDelta, error) {
	panic("not used by rewrite tests")
}

func TestRewriteQuestionReturnsRawQuestionWhenNoLLMConfigured(t *testing.T) {
	a := New(nil, nil, Config{TableSelectFloor: 0.15})

	got := a.RewriteQuestion(context.Background(), "销售额", "user-1", "")
	if got != "销售额" {
		t.Fatalf("got=%q want the raw question unchanged with no llm configured", got)
	}
}

func TestRewriteQuestionUsesLLMAndCachesByFingerprint(t *testing.T) {
	llm := &fakeRewriteLLM{response: "各地区本月的销售额总和是多少"}
	a := New(nil, llm, Config{TableSelectFloor: 0.15})
	ctx := context.Background()

	first := a.RewriteQuestion(ctx, "销售额", "user-1", "之前的问题")
	if first != "各地区本月的销售额总和是多少" {
		t.Fatalf("got=%q want the llm's rewritten question", first)
	}
	if llm.calls != 1 {
		t.Fatalf("got=%d llm calls want=1", llm.calls)
	}

	second := a.RewriteQuestion(ctx, "销售额", "user-1", "之前的问题")
	if second != first || llm.calls != 1 {
		t.Fatalf("got=%q calls=%d, want a cache hit on an identical (question, userId, lastTurn) fingerprint", second, llm.calls)
	}
}

func TestRewriteQuestionCacheKeyVariesByUserAndLastTurn(t *testing.T) {
	llm := &fakeRewriteLLM{response: "rewritten"}
	a := New(nil, llm, Config{TableSelectFloor: 0.15})
	ctx := context.Background()

	a.RewriteQuestion(ctx, "销售额", "user-1", "turn-a")
	a.RewriteQuestion(ctx, "销售额", "user-2", "turn-a")
	a.RewriteQuestion(ctx, "销售额", "user-1", "turn-b")

	if llm.calls != 3 {
		t.Fatalf("got=%d llm calls want=3, distinct userId/lastTurn must not share a cache entry", llm.calls)
	}
}

func TestRewriteQuestionFallsBackToRawQuestionOnLLMError(t *testing.T) {
	llm := &fakeRewriteLLM{err: errors.New("upstream unavailable")}
	a := New(nil, llm, Config{TableSelectFloor: 0.15})

	got := a.RewriteQuestion(context.Background(), "销售额", "user-1", "")
	if got != "销售额" {
		t.Fatalf("got=%q want the raw question when the rewrite llm call fails", got)
	}
}

func TestGetAvailableCapabilitiesGroupsByTable(t *testing.T) {
	a := newTestAnalyzer([]TableInfo{
		{Name: "sales", ColumnNames: []string{"id", "amount", "created_at", "region"}},
		{Name: "logs", ColumnNames: []string{"id"}},
	})

	caps := a.GetAvailableCapabilities()
	var sawSales bool
	for _, c := range caps {
		if c.Table == "sales" {
			sawSales = true
			if len(c.CanQuery) == 0 {
				t.Fatalf("expected sales to have at least one detected capability")
			}
		}
		if c.Table == "logs" {
			t.Fatalf("logs has no recognizable columns and should not appear")
		}
	}
	if !sawSales {
		t.Fatalf("expected sales to be present in capabilities: %+v", caps)
	}
}
