package analyzer

import (
	"testing"

	"github.com/nl2sql/backend/internal/knowledge"
)

func TestTokenizeChartHintPrefersCompoundOverConstituents(t *testing.T) {
	dicts := knowledge.NewDictCache()

	tokens := Tokenize("最近看一下销售额变化趋势", dicts)

	var chartTokens []SemanticToken
	for _, tok := range tokens {
		if tok.Type == TypeChartHint {
			chartTokens = append(chartTokens, tok)
		}
	}

	if len(chartTokens) != 1 {
		t.Fatalf("got=%d chart hint tokens want=1: %+v", len(chartTokens), chartTokens)
	}
	if chartTokens[0].Text != "变化趋势" {
		t.Fatalf("got=%q chart hint text want=%q (compound should win over its constituents)", chartTokens[0].Text, "变化趋势")
	}
	if chartTokens[0].Value != "line" {
		t.Fatalf("got=%q chart type want=%q", chartTokens[0].Value, "line")
	}
}

func TestTokenizeChartHintRepeatedKeywordClaimsEachOccurrence(t *testing.T) {
	dicts := knowledge.NewDictCache()

	tokens := Tokenize("对比一下各渠道占比，再对比一下各门店占比", dicts)

	var barCount, pieCount int
	for _, tok := range tokens {
		if tok.Type != TypeChartHint {
			continue
		}
		switch tok.Value {
		case "bar":
			barCount++
		case "pie":
			pieCount++
		}
	}
	if barCount != 2 {
		t.Fatalf("got=%d bar chart hints want=2 (one per occurrence of 对比)", barCount)
	}
	if pieCount != 2 {
		t.Fatalf("got=%d pie chart hints want=2 (one per occurrence of 占比)", pieCount)
	}
}

func TestTokenizeDoesNotClaimOverlappingSpansTwice(t *testing.T) {
	dicts := knowledge.NewDictCache()
	dicts.Swap(
		[]knowledge.TimeRule{{Keyword: "最近7天", Description: "过去7天", Value: "7d"}},
		nil,
		nil,
	)

	tokens := Tokenize("最近7天的销售额趋势", dicts)

	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			a, b := tokens[i], tokens[j]
			if a.Start < b.End && b.Start < a.End {
				t.Fatalf("overlapping tokens: %+v and %+v", a, b)
			}
		}
	}

	var sawTimeRule bool
	for _, tok := range tokens {
		if tok.Type == TypeTimeRule && tok.Text == "最近7天" {
			sawTimeRule = true
		}
	}
	if !sawTimeRule {
		t.Fatalf("expected a knowledge-store time rule token for 最近7天, got=%+v", tokens)
	}
}

func TestTokenizeSortsTokensByStart(t *testing.T) {
	dicts := knowledge.NewDictCache()

	tokens := Tokenize("按地区排名对比销售额占比", dicts)

	for i := 1; i < len(tokens); i++ {
		if tokens[i-1].Start > tokens[i].Start {
			t.Fatalf("tokens not sorted: %+v", tokens)
		}
	}
}
