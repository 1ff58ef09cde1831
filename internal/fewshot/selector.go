// Package fewshot implements C4: selection of few-shot examples for a
// question, merging RAG retrieval from the QA corpus with the user's
// recent execution memory.
package fewshot

import (
	"context"
	"sort"
	"strings"

	"github.com/nl2sql/backend/internal/embedding"
	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/memory"
)

type Example struct {
	Question      string
	SQL           string
	AnswerPreview string
	Score         float64
	FromRAG       bool
	FromMemory    bool
}

type Debug struct {
	RAGUsed     bool
	RAGCount    int
	MemoryUsed  bool
	MemoryCount int
}

type Selector struct {
	store    *knowledge.Store
	index    *embedding.Index
	embedder embedding.Embedder
	memStore *memory.Store

	minComposite float64
	minQuality   float64
	limit        int
}

type Config struct {
	MinComposite float64
	MinQuality   float64
	Limit        int
}

func New(store *knowledge.Store, index *embedding.Index, embedder embedding.Embedder, memStore *memory.Store, cfg Config) *Selector {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 3
	}
	return &Selector{
		store: store, index: index, embedder: embedder, memStore: memStore,
		minComposite: cfg.MinComposite, minQuality: cfg.MinQuality, limit: limit,
	}
}

// Select returns up to s.limit examples for userID's question, weighting
// RAG hits at 0.6 and session-memory hits at 0.4 of the final score, then
// deduplicating by (question, sql) and capping to the limit.
func (s *Selector) Select(ctx context.Context, userID, question string) ([]Example, Debug, error) {
	var dbg Debug

	rag, err := s.retrieveRAG(ctx, question)
	if err != nil {
		return nil, dbg, err
	}
	dbg.RAGUsed = len(rag) > 0
	dbg.RAGCount = len(rag)

	mem := s.retrieveMemory(userID, question)
	dbg.MemoryUsed = len(mem) > 0
	dbg.MemoryCount = len(mem)

	for i := range rag {
		rag[i].Score *= 0.6
	}
	for i := range mem {
		mem[i].Score *= 0.4
	}

	merged := append(rag, mem...)
	seen := map[string]bool{}
	var out []Example
	for _, ex := range merged {
		key := ex.Question + "||" + ex.SQL
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ex)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > s.limit {
		out = out[:s.limit]
	}
	return out, dbg, nil
}

// retrieveRAG prefers the vector index when an embedder is configured and
// falls back to Jaccard keyword overlap over the SQLite corpus otherwise,
// matching the original's vector-then-keyword fallback chain.
func (s *Selector) retrieveRAG(ctx context.Context, question string) ([]Example, error) {
	if s.embedder != nil && s.index != nil {
		vec, err := s.embedder.Embed(ctx, question)
		if err == nil {
			matches, err := s.index.Search(ctx, vec, s.limit*2, s.minComposite, s.minQuality)
			if err == nil && len(matches) > 0 {
				var out []Example
				for _, m := range matches {
					pair, err := s.store.GetQAPair(ctx, m.ID)
					if err != nil || pair == nil {
						continue
					}
					out = append(out, Example{
						Question: pair.Question, SQL: pair.SQL, AnswerPreview: pair.AnswerPreview,
						Score: float64(m.Score), FromRAG: true,
					})
				}
				if len(out) > 0 {
					return out, nil
				}
			}
		}
	}
	return s.retrieveRAGKeyword(ctx, question)
}

func (s *Selector) retrieveRAGKeyword(ctx context.Context, question string) ([]Example, error) {
	pairs, err := s.store.ListQAPairsByScoreDesc(ctx, s.minComposite, 200)
	if err != nil {
		return nil, err
	}
	queryWords := wordSet(question)
	var out []Example
	for _, p := range pairs {
		if p.QualityScore < s.minQuality {
			continue
		}
		jaccard := jaccardSimilarity(queryWords, wordSet(p.Question))
		if jaccard <= 0.3 {
			continue
		}
		composite := jaccard*0.6 + p.QualityScore*0.4
		out = append(out, Example{Question: p.Question, SQL: p.SQL, AnswerPreview: p.AnswerPreview, Score: composite, FromRAG: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (s *Selector) retrieveMemory(userID, question string) []Example {
	if s.memStore == nil {
		return nil
	}
	sess := s.memStore.Peek(userID)
	if sess == nil {
		return nil
	}
	queryWords := wordSet(question)
	var out []Example
	for _, f := range sess.Findings {
		jaccard := jaccardSimilarity(queryWords, wordSet(f.Question))
		if jaccard <= 0.2 {
			continue
		}
		out = append(out, Example{Question: f.Question, SQL: f.SQL, AnswerPreview: f.Summary, Score: jaccard, FromMemory: true})
	}
	return out
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
