package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nl2sql/backend/internal/knowledge"
)

// Tokenize splits question into non-overlapping semantic spans in the same
// pass order as the original tokenizer: time rules, supplemental time
// keywords, time regexes, comparison keywords, business terms, field
// mappings, chart hints (compounds before constituents), metrics, sort
// cues, then dimensions. Every pass respects spans already claimed by an
// earlier pass; the result is finally sorted by Start.
func Tokenize(question string, dicts *knowledge.DictCache) []SemanticToken {
	var tokens []SemanticToken
	var taken []span

	claim := func(start, end int) bool {
		for _, s := range taken {
			if s.overlaps(start, end) {
				return false
			}
		}
		taken = append(taken, span{start, end})
		return true
	}

	// 1. time rules from the knowledge store, longest keyword first.
	rules := append([]knowledge.TimeRule(nil), dicts.TimeRules()...)
	sort.Slice(rules, func(i, j int) bool { return len(rules[i].Keyword) > len(rules[j].Keyword) })
	for _, r := range rules {
		if idx := strings.Index(question, r.Keyword); idx >= 0 {
			end := idx + len(r.Keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: r.Keyword, Type: TypeTimeRule, TypeLabel: "时间语义规则",
					Start: idx, End: end, Description: r.Description, Value: r.Value,
				})
			}
		}
	}

	// 1.5 supplemental time keywords not in the knowledge store.
	for _, kw := range supplementalTimeKeywords {
		if idx := strings.Index(question, kw.keyword); idx >= 0 {
			end := idx + len(kw.keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: kw.keyword, Type: TypeTimeRule, TypeLabel: "时间语义规则",
					Start: idx, End: end, Description: kw.keyword, Value: kw.value,
				})
			}
		}
	}

	// 1.6 regex time expressions.
	for _, r := range timePatterns {
		for _, loc := range r.pattern.FindAllStringIndex(question, -1) {
			if claim(loc[0], loc[1]) {
				tokens = append(tokens, SemanticToken{
					Text: question[loc[0]:loc[1]], Type: TypeTimeRule, TypeLabel: "时间语义规则",
					Start: loc[0], End: loc[1], Description: r.label, Value: question[loc[0]:loc[1]],
				})
			}
		}
	}

	// 1.8 bare number+unit time expressions ("7天"), unless already
	// prefixed by "最近"/"近"/"过去"/"前" (those are claimed by 1.6 already,
	// but a short unprefixed form can still slip through).
	for _, loc := range numberTimePattern.FindAllStringIndex(question, -1) {
		if claim(loc[0], loc[1]) {
			matched := question[loc[0]:loc[1]]
			tokens = append(tokens, SemanticToken{
				Text: matched, Type: TypeTimeRule, TypeLabel: "时间语义规则",
				Start: loc[0], End: loc[1], Description: matched, Value: matched,
			})
		}
	}

	// 2. comparison keywords (compound forms listed before their prefixes).
	for _, c := range comparisonKeywords {
		if idx := strings.Index(question, c.keyword); idx >= 0 {
			end := idx + len(c.keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: c.keyword, Type: TypeComparison, TypeLabel: "同环比语义规则",
					Start: idx, End: end, Description: c.label, Value: c.kind,
				})
			}
		}
	}

	// 3. business terms from the knowledge store, longest first.
	terms := append([]knowledge.BusinessTerm(nil), dicts.BusinessTerms()...)
	sort.Slice(terms, func(i, j int) bool { return len(terms[i].Keyword) > len(terms[j].Keyword) })
	for _, t := range terms {
		if idx := strings.Index(question, t.Keyword); idx >= 0 {
			end := idx + len(t.Keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: t.Keyword, Type: TypeTerm, TypeLabel: "企业词汇知识",
					Start: idx, End: end, Description: t.Description, Value: t.Value,
				})
			}
		}
	}

	// 4. field mappings from the knowledge store, longest first.
	mappings := append([]knowledge.FieldMapping(nil), dicts.FieldMappings()...)
	sort.Slice(mappings, func(i, j int) bool { return len(mappings[i].Keyword) > len(mappings[j].Keyword) })
	for _, m := range mappings {
		if idx := strings.Index(question, m.Keyword); idx >= 0 {
			end := idx + len(m.Keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: m.Keyword, Type: TypeFieldMap, TypeLabel: "字段枚举知识",
					Start: idx, End: end,
					Description: fmt.Sprintf("%s.%s", m.Table, m.Column), Value: m.Keyword,
				})
			}
		}
	}

	// 5. chart hints — already ordered compound-before-constituent in the
	// dictionary itself; every occurrence is claimed, not just the first.
	for _, h := range chartHints {
		start := strings.Index(question, h.keyword)
		for start >= 0 {
			end := start + len(h.keyword)
			if claim(start, end) {
				tokens = append(tokens, SemanticToken{
					Text: h.keyword, Type: TypeChartHint, TypeLabel: "自动图表展示",
					Start: start, End: end, Description: h.label, Value: h.chart,
				})
			}
			next := strings.Index(question[start+1:], h.keyword)
			if next < 0 {
				break
			}
			start = start + 1 + next
		}
	}

	// 6. metric keywords, case-insensitive.
	lower := strings.ToLower(question)
	for _, m := range metricKeywords {
		kwLower := strings.ToLower(m.keyword)
		if idx := strings.Index(lower, kwLower); idx >= 0 {
			end := idx + len(m.keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: question[idx:end], Type: TypeMetric, TypeLabel: "指标",
					Start: idx, End: end, Description: m.value, Value: m.keyword,
				})
			}
		}
	}

	// 7. sort cues — longest first, one match per keyword, before dimensions.
	lower = strings.ToLower(question)
	for _, s := range sortKeywords {
		kwLower := strings.ToLower(s.keyword)
		if idx := strings.Index(lower, kwLower); idx >= 0 {
			end := idx + len(s.keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: question[idx:end], Type: TypeSort, TypeLabel: "排序语义",
					Start: idx, End: end, Description: s.label, Value: s.kind,
				})
			}
		}
	}

	// 8. dimension keywords.
	for _, d := range dimensionKeywords {
		if idx := strings.Index(question, d.keyword); idx >= 0 {
			end := idx + len(d.keyword)
			if claim(idx, end) {
				tokens = append(tokens, SemanticToken{
					Text: d.keyword, Type: TypeDimension, TypeLabel: "分析维度",
					Start: idx, End: end, Description: d.value, Value: d.keyword,
				})
			}
		}
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Start < tokens[j].Start })
	return tokens
}
