// Package raglearner implements C9: turning a rated conversation turn into
// a reusable QAPair entry in the RAG corpus, with quality gating,
// similarity-based dedup, and periodic eviction of low-value entries.
package raglearner

import (
	"math"
	"regexp"
	"strings"
)

// CompositeScore blends expert, LLM, and user ratings with fixed weights
// (expert 0.5, llm 0.3, user 0.2), normalizing over whichever ratings are
// actually present. A user vote of like/dislike/none maps to 5/1/ignored
// before being folded in as the user rating.
func CompositeScore(expertRating *int, llmScore *float64, userVote string) float64 {
	var scores []float64
	var weights []float64

	if expertRating != nil {
		scores = append(scores, float64(*expertRating))
		weights = append(weights, 0.5)
	}
	if llmScore != nil {
		scores = append(scores, *llmScore)
		weights = append(weights, 0.3)
	}
	if userRating, ok := userRatingFromVote(userVote); ok {
		scores = append(scores, userRating)
		weights = append(weights, 0.2)
	}

	if len(scores) == 0 {
		return 0
	}

	totalWeight := 0.0
	weighted := 0.0
	for i, s := range scores {
		weighted += s * weights[i]
		totalWeight += weights[i]
	}
	if totalWeight == 0 {
		return 0
	}
	return roundTo2(weighted / totalWeight)
}

func userRatingFromVote(vote string) (float64, bool) {
	switch vote {
	case "like":
		return 5, true
	case "dislike":
		return 1, true
	default:
		return 0, false
	}
}

var questionQuestionWords = []string{"如何", "什么", "多少", "哪些"}

// QualityScore assesses a question/SQL/answer triple on three sub-scores
// (question clarity ≤0.3, SQL validity ≤0.4, answer plausibility ≤0.3)
// capped and summed.
func QualityScore(question, sql, answer string) float64 {
	score := 0.0
	score += min(questionClarity(question), 0.3)
	score += min(sqlValidity(sql), 0.4)
	score += min(answerPlausibility(answer), 0.3)
	return roundTo2(score)
}

func questionClarity(question string) float64 {
	trimmed := strings.TrimSpace(question)
	s := 0.0
	if len([]rune(trimmed)) >= 5 {
		s += 0.1
	}
	if len([]rune(trimmed)) >= 10 {
		s += 0.1
	}
	if strings.ContainsAny(question, "?？") || containsAny(question, questionQuestionWords) {
		s += 0.1
	}
	return s
}

func sqlValidity(sql string) float64 {
	upper := strings.ToUpper(sql)
	s := 0.0
	if strings.HasPrefix(strings.TrimSpace(upper), "SELECT") {
		s += 0.2
	}
	if strings.Contains(upper, "FROM") {
		s += 0.1
	}
	if strings.Contains(upper, "WHERE") || strings.Contains(upper, "GROUP BY") || strings.Contains(upper, "ORDER BY") {
		s += 0.1
	}
	if l := len(sql); l >= 20 && l <= 500 {
		s += 0.1
	}
	return s
}

var digitPattern = regexp.MustCompile(`\d+`)

func answerPlausibility(answer string) float64 {
	s := 0.0
	trimmed := strings.TrimSpace(answer)
	if len(trimmed) > 10 {
		s += 0.1
	}
	if digitPattern.MatchString(answer) {
		s += 0.1
	}
	if containsAny(answer, []string{"表", "结果", "数据"}) {
		s += 0.1
	}
	return s
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func roundTo2(v float64) float64 { return math.Round(v*100) / 100 }

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

var tagRules = []struct {
	keywords []string
	tag      string
}{
	{[]string{"访问", "访问量", "pv", "uv"}, "访问分析"},
	{[]string{"销售", "订单", "收入"}, "销售分析"},
	{[]string{"趋势", "变化", "走势"}, "趋势分析"},
	{[]string{"分布", "占比", "比例"}, "分布分析"},
	{[]string{"排名", "top", "最高", "最低"}, "排名分析"},
}

// ExtractTags derives descriptive tags from the question and SQL text,
// combining question-keyword tags with SQL-shape tags (count/aggregate/
// group/join), deduplicated.
func ExtractTags(question, sql string) []string {
	seen := map[string]bool{}
	var tags []string
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	lower := strings.ToLower(question)
	for _, rule := range tagRules {
		if containsAny(lower, rule.keywords) {
			add(rule.tag)
		}
	}

	upper := strings.ToUpper(sql)
	if strings.Contains(upper, "COUNT") {
		add("计数查询")
	}
	if strings.Contains(upper, "SUM") || strings.Contains(upper, "AVG") {
		add("聚合查询")
	}
	if strings.Contains(upper, "GROUP BY") {
		add("分组查询")
	}
	if strings.Contains(upper, "JOIN") {
		add("关联查询")
	}
	return tags
}

var categoryRules = []struct {
	keywords []string
	category string
}{
	{[]string{"访问", "访问量", "pv", "uv", "dau", "mau"}, "访问分析"},
	{[]string{"销售", "订单", "收入", "营收"}, "销售分析"},
	{[]string{"用户", "客户", "会员"}, "用户分析"},
	{[]string{"产品", "商品", "货品"}, "产品分析"},
	{[]string{"渠道", "来源"}, "渠道分析"},
	{[]string{"区域", "城市", "省份", "地区"}, "区域分析"},
}

// CategorizeQuestion assigns one coarse category label, defaulting to a
// generic bucket when nothing matches.
func CategorizeQuestion(question string) string {
	lower := strings.ToLower(question)
	for _, rule := range categoryRules {
		if containsAny(lower, rule.keywords) {
			return rule.category
		}
	}
	return "通用查询"
}

var sqlCodeBlockPattern = regexp.MustCompile(`(?is)` + "```sql\\s*" + `|` + "```\\s*")
var selectPattern = regexp.MustCompile(`(?is)(SELECT\s+.+?(?:;|$))`)

// ExtractAndCleanSQL strips markdown code fences and extracts the leading
// SELECT statement; it returns "" when no SELECT can be found.
func ExtractAndCleanSQL(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := sqlCodeBlockPattern.ReplaceAllString(raw, "")
	if m := selectPattern.FindStringSubmatch(cleaned); m != nil {
		return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[1]), ";"))
	}
	trimmed := strings.TrimSpace(cleaned)
	if strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return strings.TrimSuffix(trimmed, ";")
	}
	return ""
}

// ExtractAnswerPreview trims an answer down to a short plain-text preview,
// dropping embedded SQL code blocks and collapsing whitespace.
func ExtractAnswerPreview(answer string, maxLen int) string {
	if answer == "" {
		return ""
	}
	noSQL := regexp.MustCompile(`(?is)` + "```sql.*?```").ReplaceAllString(answer, "")
	collapsed := strings.Join(strings.Fields(noSQL), " ")
	runes := []rune(collapsed)
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "..."
	}
	return collapsed
}
