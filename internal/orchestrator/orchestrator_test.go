package orchestrator

import (
	"testing"

	"github.com/nl2sql/backend/internal/analyzer"
	"github.com/nl2sql/backend/internal/fewshot"
)

func TestSemanticTokenViewsProjectsEveryField(t *testing.T) {
	tokens := []analyzer.SemanticToken{
		{Text: "上月", Type: analyzer.TypeTimeRule, Start: 0, End: 2, Description: "last month", Value: "2026-07"},
	}
	views := semanticTokenViews(tokens)
	if len(views) != 1 {
		t.Fatalf("got=%d views want=1", len(views))
	}
	v := views[0]
	if v.Start != 0 || v.End != 2 || v.Text != "上月" || v.Type != analyzer.TypeTimeRule || v.Description != "last month" || v.Canonical != "2026-07" {
		t.Fatalf("got=%+v, fields must carry over from the analyzer token including Value -> Canonical", v)
	}
}

func TestSemanticTokenViewsNilForEmptyInput(t *testing.T) {
	if views := semanticTokenViews(nil); views != nil {
		t.Fatalf("got=%v want nil for no tokens", views)
	}
}

func TestKnowledgeItemsFromTokensKeepsOnlyTermAndFieldMapDedupedByText(t *testing.T) {
	tokens := []analyzer.SemanticToken{
		{Text: "销售额", Type: analyzer.TypeTerm},
		{Text: "销售额", Type: analyzer.TypeTerm},
		{Text: "region", Type: analyzer.TypeFieldMap},
		{Text: "上月", Type: analyzer.TypeTimeRule},
	}
	items := knowledgeItemsFromTokens(tokens)
	if len(items) != 2 || items[0] != "销售额" || items[1] != "region" {
		t.Fatalf("got=%v want=[销售额 region], deduped and excluding non-knowledge token types", items)
	}
}

func TestSplitDeltasChunksIntoFixedRuneWindows(t *testing.T) {
	content := ""
	for i := 0; i < 95; i++ {
		content += "字"
	}
	chunks := splitDeltas(content)
	if len(chunks) != 3 {
		t.Fatalf("got=%d chunks want=3 for 95 runes at 40 runes/chunk", len(chunks))
	}
	if len([]rune(chunks[0])) != 40 || len([]rune(chunks[1])) != 40 {
		t.Fatalf("got first two chunk lengths=%d,%d want=40,40", len([]rune(chunks[0])), len([]rune(chunks[1])))
	}
	if len([]rune(chunks[2])) != 15 {
		t.Fatalf("got last chunk length=%d want=15 (the remainder)", len([]rune(chunks[2])))
	}
}

func TestSplitDeltasEmptyContentYieldsNoChunks(t *testing.T) {
	if chunks := splitDeltas(""); chunks != nil {
		t.Fatalf("got=%v want nil for empty content", chunks)
	}
}

func TestTableNamesExtractsNameField(t *testing.T) {
	matches := []analyzer.TableMatch{{Name: "sales"}, {Name: "customers"}}
	names := tableNames(matches)
	if len(names) != 2 || names[0] != "sales" || names[1] != "customers" {
		t.Fatalf("got=%v want=[sales customers]", names)
	}
}

func TestAppendExamplesNoOpWhenEmpty(t *testing.T) {
	prompt := "base system prompt"
	if got := appendExamples(prompt, nil); got != prompt {
		t.Fatalf("got=%q want unchanged prompt when there are no examples", got)
	}
}

func TestAppendExamplesAppendsEachExample(t *testing.T) {
	examples := []fewshot.Example{
		{Question: "上月销售额是多少", SQL: "SELECT SUM(amount) FROM sales WHERE month = 'last'"},
	}
	got := appendExamples("base", examples)
	if got == "base" {
		t.Fatalf("expected the prompt to grow when examples are present")
	}
}

func TestBoolToFloat(t *testing.T) {
	if boolToFloat(true) != 1 {
		t.Fatalf("got=%v want=1", boolToFloat(true))
	}
	if boolToFloat(false) != 0 {
		t.Fatalf("got=%v want=0", boolToFloat(false))
	}
}
