package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/knowledgegraph"
	"github.com/nl2sql/backend/internal/metrics"
	"github.com/nl2sql/backend/internal/prompt"
	"github.com/nl2sql/backend/internal/provider"
	"github.com/nl2sql/backend/pkg/logger"
	"github.com/nl2sql/backend/pkg/utils"
	"go.uber.org/zap"
)

// TableInfo is the slice of schema metadata the analyzer needs to match a
// question against candidate tables; the full schema lives behind the
// opaque executor.QueryExecutor and is loaded once at startup.
type TableInfo struct {
	Name        string
	ColumnNames []string
	RowCount    int64
}

type TableMatch struct {
	Name        string
	Columns     []string
	MatchReason string
	Score       float64
}

type Feasibility struct {
	CanAnswer   bool
	Confidence  float64
	Reason      string
	Suggestions []string
}

type Capability struct {
	Table    string
	CanQuery []string
}

// Analyzer is C3: tokenization, question rewriting, table selection, and
// feasibility checking. It holds no mutable global state; every caller
// gets its own instance injected at startup.
type Analyzer struct {
	store *knowledge.Store
	llm   provider.LLMProvider
	kg    *knowledgegraph.Client

	tables      map[string]TableInfo
	schemaDesc  string
	tableFloor  float64
	rewriteCache *fifoCache
}

type Config struct {
	RewriteCacheSize int
	TableSelectFloor float64
}

func New(store *knowledge.Store, llm provider.LLMProvider, cfg Config) *Analyzer {
	size := cfg.RewriteCacheSize
	if size <= 0 {
		size = 100
	}
	return &Analyzer{
		store:        store,
		llm:          llm,
		tables:       make(map[string]TableInfo),
		tableFloor:   cfg.TableSelectFloor,
		rewriteCache: newFIFOCache(size),
	}
}

// SetKnowledgeGraph wires in the optional Neo4j-backed term/field→table
// relationship graph used as a table-selection fallback. Nil-safe: a nil
// graph simply skips that fallback and goes straight to the LLM.
func (a *Analyzer) SetKnowledgeGraph(kg *knowledgegraph.Client) {
	a.kg = kg
}

// LoadSchema replaces the analyzer's view of the schema, used at startup and
// whenever the executor reports a schema change.
func (a *Analyzer) LoadSchema(tables []TableInfo) {
	a.tables = make(map[string]TableInfo, len(tables))
	var b strings.Builder
	for _, t := range tables {
		a.tables[t.Name] = t
		fmt.Fprintf(&b, "table %s(%s)\n", t.Name, strings.Join(t.ColumnNames, ", "))
	}
	a.schemaDesc = b.String()
}

// keywordTableMap maps a business keyword to the table-name substrings
// likely to satisfy it. Generic and domain-neutral by design: operators
// extend it through the knowledge store's field mappings and business
// terms rather than by redeploying the binary.
var keywordTableMap = map[string][]string{
	"销量": {"sales", "orders", "order", "transactions"},
	"销售额": {"sales", "revenue", "orders"},
	"订单": {"orders", "order", "sales"},
	"交易": {"transactions", "orders", "sales"},
	"收入": {"sales", "revenue", "orders"},
	"营收": {"sales", "revenue", "orders"},
	"金额": {"sales", "orders", "transactions"},
	"访问": {"events", "page_view", "visits"},
	"访问量": {"events", "page_view", "visits"},
	"浏览":  {"events", "page_view"},
	"点击":  {"events", "clicks"},
	"事件":  {"events", "event_dic"},
	"页面":  {"events", "page_dic", "pages"},
	"渠道":  {"events", "channels", "sources"},
	"来源":  {"events", "sources"},
	"产品":  {"products", "product", "items"},
	"商品":  {"products", "product", "items"},
	"客户":  {"customers", "customer", "users"},
	"用户":  {"users", "customers", "customer"},
	"会员":  {"members", "customers", "users"},
	"区域":  {"regions", "area", "locations"},
	"地区":  {"regions", "area", "locations"},
	"城市":  {"cities", "city", "locations"},
	"库存":  {"inventory", "stock"},
	"员工":  {"employees", "staff"},
	"经销商": {"dealers", "dealer_store_info"},
	"门店":  {"stores", "shops", "dealer_store_info"},
}

// SelectTables returns up to 5 candidate tables, falling back to the LLM
// when keyword/column matching finds nothing, subject to a normalized
// keyword-overlap floor so a low-confidence LLM guess never silently wins
// over an honest "no match".
func (a *Analyzer) SelectTables(ctx context.Context, question string) ([]TableMatch, bool, error) {
	lower := strings.ToLower(question)
	seen := map[string]bool{}
	var matches []TableMatch

	add := func(name, reason string, score float64) {
		if seen[name] {
			return
		}
		info, ok := a.tables[name]
		if !ok {
			return
		}
		cols := info.ColumnNames
		if len(cols) > 5 {
			cols = cols[:5]
		}
		seen[name] = true
		matches = append(matches, TableMatch{Name: name, Columns: cols, MatchReason: reason, Score: score})
	}

	for keyword, patterns := range keywordTableMap {
		if !strings.Contains(lower, strings.ToLower(keyword)) && !strings.Contains(question, keyword) {
			continue
		}
		for _, pattern := range patterns {
			for name := range a.tables {
				if strings.Contains(strings.ToLower(name), pattern) {
					add(name, fmt.Sprintf("包含关键词 '%s'", keyword), 1.0)
				}
			}
		}
	}

	for name := range a.tables {
		if strings.Contains(lower, strings.ToLower(name)) {
			add(name, "问题中直接提及", 1.0)
		}
	}

	for name, info := range a.tables {
		for _, col := range info.ColumnNames {
			colLower := strings.ToLower(col)
			if strings.Contains(lower, colLower) || strings.Contains(lower, strings.ReplaceAll(colLower, "_", " ")) {
				add(name, fmt.Sprintf("包含字段 '%s'", col), 1.0)
				break
			}
		}
	}

	if len(matches) == 0 && a.kg != nil {
		if kgMatches := a.knowledgeGraphFallback(ctx, question); len(kgMatches) > 0 {
			return capTables(kgMatches), false, nil
		}
	}

	if len(matches) == 0 && a.llm != nil && a.schemaDesc != "" {
		llmMatches, err := a.llmSelectTables(ctx, question)
		if err != nil {
			logger.Warn("llm table selection failed, continuing without tables", zap.Error(err))
		} else if len(llmMatches) > 0 {
			score := keywordOverlapScore(question, llmMatches)
			if score >= a.tableFloor {
				for _, m := range llmMatches {
					m.Score = score
					matches = append(matches, m)
				}
				return capTables(matches), true, nil
			}
			logger.Info("llm table selection below floor, discarding",
				zap.Float64("score", score), zap.Float64("floor", a.tableFloor))
		}
	}

	return capTables(matches), false, nil
}

// knowledgeGraphFallback consults the business knowledge graph when plain
// keyword/column matching found nothing: every keywordTableMap term present
// in the question is looked up for a MAPS_TO relationship to a real table,
// confidence-gated at the same floor the LLM fallback uses.
func (a *Analyzer) knowledgeGraphFallback(ctx context.Context, question string) []TableMatch {
	var terms []string
	for keyword := range keywordTableMap {
		if strings.Contains(question, keyword) {
			terms = append(terms, keyword)
		}
	}
	if len(terms) == 0 {
		return nil
	}

	related, err := a.kg.RelatedTablesForTerms(ctx, terms, a.tableFloor)
	if err != nil {
		logger.Warn("knowledge graph table fallback failed, continuing without it", zap.Error(err))
		return nil
	}

	var out []TableMatch
	for _, r := range related {
		info, ok := a.tables[r.Table]
		if !ok {
			continue
		}
		cols := info.ColumnNames
		if len(cols) > 5 {
			cols = cols[:5]
		}
		out = append(out, TableMatch{Name: r.Table, Columns: cols, MatchReason: "知识图谱: " + r.Reason, Score: r.Confidence})
	}
	return out
}

func capTables(matches []TableMatch) []TableMatch {
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > 5 {
		matches = matches[:5]
	}
	return matches
}

// keywordOverlapScore is the fallback confidence metric for an LLM table
// selection: the fraction of the LLM-selected tables' column names that
// also appear as substrings of the question, normalized to [0,1].
func keywordOverlapScore(question string, matches []TableMatch) float64 {
	lower := strings.ToLower(question)
	total, hit := 0, 0
	for _, m := range matches {
		for _, col := range m.Columns {
			total++
			if strings.Contains(lower, strings.ToLower(col)) {
				hit++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}

var jsonObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)

func (a *Analyzer) llmSelectTables(ctx context.Context, question string) ([]TableMatch, error) {
	prompt := fmt.Sprintf(
		"Given this database schema:\n%s\nSelect the tables relevant to answering: %q\nRespond with JSON: {\"tables\": [\"table1\"], \"reason\": \"...\"}",
		a.schemaDesc, question,
	)
	resp, err := a.llm.Chat(ctx, provider.ChatRequest{
		Messages:    []provider.ChatMessage{{Role: provider.RoleUser, Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, fmt.Errorf("llm table select: %w", err)
	}

	m := jsonObjectPattern.FindString(resp.Content)
	if m == "" {
		return nil, nil
	}
	var parsed struct {
		Tables []string `json:"tables"`
		Reason string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(m), &parsed); err != nil {
		return nil, fmt.Errorf("parse llm table selection: %w", err)
	}

	var out []TableMatch
	for _, name := range parsed.Tables {
		info, ok := a.tables[name]
		if !ok {
			continue
		}
		cols := info.ColumnNames
		if len(cols) > 5 {
			cols = cols[:5]
		}
		out = append(out, TableMatch{Name: name, Columns: cols, MatchReason: "AI智能选择: " + parsed.Reason})
	}
	return out, nil
}

const defaultRewritePrompt = "Rewrite the question below so it stands alone: resolve any pronouns using the last-turn context, expand field aliases to their canonical names, and make time expressions explicit. Respond with only the rewritten question.\n\nLast turn: {last_turn}\nQuestion: {question}"

// RewriteQuestion issues a single LLM call (prompt fetched from the
// knowledge store under the name "rewrite_prompt", falling back to a
// built-in default) that resolves pronouns against lastTurn, expands field
// aliases, and makes time expressions explicit. The result is cached under
// a fingerprint of the lowercased question, userID, and a hash of lastTurn,
// so a repeated turn in the same context skips the LLM call entirely. If
// the LLM call fails, or no LLM is configured, the raw question is returned
// unchanged.
func (a *Analyzer) RewriteQuestion(ctx context.Context, question, userID, lastTurn string) string {
	cacheKey := strings.ToLower(question) + "|" + userID + "|" + utils.HashString(lastTurn)
	if cached, ok := a.rewriteCache.get(cacheKey); ok {
		metrics.AnalyzerCacheHits.Inc()
		return cached.Rewritten
	}
	metrics.AnalyzerCacheMisses.Inc()

	rewritten := question
	if a.llm != nil {
		if out, err := a.llmRewrite(ctx, question, lastTurn); err != nil {
			logger.Warn("question rewrite failed, falling back to raw question", zap.Error(err))
		} else if out != "" {
			rewritten = out
		}
	}

	a.rewriteCache.put(cacheKey, &AnalysisResult{Question: question, Rewritten: rewritten})
	return rewritten
}

func (a *Analyzer) llmRewrite(ctx context.Context, question, lastTurn string) (string, error) {
	body := defaultRewritePrompt
	if a.store != nil {
		if active, err := a.store.GetActivePromptVersion(ctx, "rewrite_prompt"); err == nil && active != nil && active.Body != "" {
			body = active.Body
		}
	}
	content := prompt.Format(body, map[string]string{"question": question, "last_turn": lastTurn})

	resp, err := a.llm.Chat(ctx, provider.ChatRequest{
		Messages:    []provider.ChatMessage{{Role: provider.RoleUser, Content: content}},
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("rewrite question: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

var feasibilityKeywords = []string{
	"销量", "销售额", "销售", "收入", "营收", "利润", "成本", "金额",
	"订单", "交易", "购买", "下单",
	"访问", "访问量", "浏览", "点击", "事件", "页面",
	"PV", "UV", "DAU", "MAU",
	"产品", "商品", "SKU",
	"客户", "用户", "会员", "顾客",
	"库存", "仓储",
	"员工", "绩效",
	"区域", "门店", "渠道", "来源", "省份", "地区",
	"经销商", "店铺",
}

// CheckFeasibility scores whether tables+knowledge found for question are
// sufficient to answer it, following the same additive confidence
// breakdown as the original heuristic: +0.5 for real table matches, +0.2
// for any knowledge hits, up to +0.3 proportional to keyword coverage.
func (a *Analyzer) CheckFeasibility(question string, tables []TableMatch, tokens []SemanticToken) Feasibility {
	lower := strings.ToLower(question)
	var found []string
	for _, kw := range feasibilityKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}

	var confidence float64
	var reasons []string
	var suggestions []string

	if len(tables) > 0 {
		confidence += 0.5
		reasons = append(reasons, fmt.Sprintf("找到 %d 个相关数据表", len(tables)))
	} else {
		reasons = append(reasons, "没有找到任何匹配的数据表")
		suggestions = append(suggestions, "请检查数据库中是否有相关业务表")
	}

	if len(tokens) > 0 {
		confidence += 0.2
		reasons = append(reasons, fmt.Sprintf("参考了 %d 条业务知识", len(tokens)))
	}

	if len(found) > 0 {
		matched := 0
		var unmatched []string
		for _, kw := range found {
			hit := false
			for _, t := range tables {
				if strings.Contains(t.MatchReason, kw) {
					hit = true
					break
				}
			}
			if hit {
				matched++
			} else {
				unmatched = append(unmatched, kw)
			}
		}
		if matched > 0 {
			confidence += 0.3 * (float64(matched) / float64(len(found)))
		}
		if len(unmatched) > 0 {
			reasons = append(reasons, fmt.Sprintf("以下关键词未找到对应数据: %s", strings.Join(unmatched, ", ")))
			suggestions = append(suggestions, fmt.Sprintf("数据库中可能缺少 %s 相关的表或字段", strings.Join(unmatched, ", ")))
		}
	}

	canAnswer := confidence >= 0.3 && len(tables) > 0
	if !canAnswer {
		if len(tables) == 0 {
			suggestions = append([]string{"建议先了解数据库中有哪些数据表"}, suggestions...)
		}
		suggestions = append(suggestions, "您可以尝试询问数据库中现有的数据，如：'数据库有哪些表？'")
	}

	reason := "分析完成"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "；")
	}

	return Feasibility{
		CanAnswer:   canAnswer,
		Confidence:  roundTo2(confidence),
		Reason:      reason,
		Suggestions: suggestions,
	}
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

var capabilityPatterns = map[string][]string{
	"时间分析": {"date", "time", "created", "updated", "timestamp"},
	"数量统计": {"count", "quantity", "amount", "num"},
	"金额分析": {"price", "cost", "revenue", "profit", "amount", "total"},
	"分类统计": {"type", "category", "status", "level"},
	"用户分析": {"user", "customer", "member"},
	"地区分析": {"region", "city", "area", "location", "country"},
}

// GetAvailableCapabilities summarizes what each known table can answer, for
// surfacing to the user when CheckFeasibility reports CanAnswer=false.
func (a *Analyzer) GetAvailableCapabilities() []Capability {
	var out []Capability
	for name, info := range a.tables {
		var caps []string
		for capName, patterns := range capabilityPatterns {
			matched := false
			for _, col := range info.ColumnNames {
				colLower := strings.ToLower(col)
				for _, p := range patterns {
					if strings.Contains(colLower, p) {
						matched = true
						break
					}
				}
				if matched {
					break
				}
			}
			if matched {
				caps = append(caps, capName)
			}
		}
		if len(caps) > 0 {
			sort.Strings(caps)
			out = append(out, Capability{Table: name, CanQuery: caps})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// TableCount reports how many tables the analyzer currently knows about.
func (a *Analyzer) TableCount() int { return len(a.tables) }
