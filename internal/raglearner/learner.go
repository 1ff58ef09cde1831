package raglearner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/internal/embedding"
	"github.com/nl2sql/backend/internal/knowledge"
	"github.com/nl2sql/backend/internal/metrics"
	"github.com/nl2sql/backend/pkg/logger"
)

const (
	minCompositeGate = 4.0
	minQualityGate   = 0.7

	dedupSimilarity = 0.93
	dedupScoreGap   = 0.2

	evictCompositeThreshold = 3.0
	evictMaxAge             = 30 * 24 * time.Hour
)

// Learner is C9. It turns a rated conversation turn into a QAPair entry,
// gated on composite/quality thresholds, deduped against the existing
// corpus by embedding similarity, and periodically sweeps low-value
// entries via a cron job.
type Learner struct {
	store    *knowledge.Store
	index    *embedding.Index
	embedder embedding.Embedder

	cronJob *cron.Cron
}

func New(store *knowledge.Store, index *embedding.Index, embedder embedding.Embedder) *Learner {
	return &Learner{store: store, index: index, embedder: embedder}
}

// Feedback is the set of ratings available at learning time; at least one
// must be non-nil/non-empty for CompositeScore to produce anything above
// zero.
type Feedback struct {
	ExpertRating *int
	LLMScore     *float64
	UserVote     string
}

// LearnFromFeedback implements learn_from_feedback: compute the composite
// score, bail out below the gate, clean and validate the SQL, assess
// quality, dedup against the existing corpus, and finally persist a new
// QAPair (or merge into a near-duplicate). It returns the id of the
// resulting or merged entry, or "" if nothing was learned.
func (l *Learner) LearnFromFeedback(ctx context.Context, conversationID, question, rawSQL, answer string, fb Feedback, source knowledge.QASource) (string, error) {
	composite := CompositeScore(fb.ExpertRating, fb.LLMScore, fb.UserVote)
	if rawSQL == "" || composite < minCompositeGate {
		logger.Debug("rag learner gate rejected turn",
			zap.Float64("composite", composite), zap.Bool("has_sql", rawSQL != ""))
		metrics.RAGLearnerOutcomes.WithLabelValues("gated").Inc()
		return "", nil
	}

	cleanedSQL := ExtractAndCleanSQL(rawSQL)
	if cleanedSQL == "" {
		logger.Warn("rag learner could not extract a SELECT statement, skipping")
		metrics.RAGLearnerOutcomes.WithLabelValues("gated").Inc()
		return "", nil
	}

	quality := QualityScore(question, cleanedSQL, answer)
	if quality < minQualityGate {
		logger.Debug("rag learner quality gate rejected turn", zap.Float64("quality", quality))
		metrics.RAGLearnerOutcomes.WithLabelValues("gated").Inc()
		return "", nil
	}

	metrics.CompositeScore.Observe(composite)
	metrics.QualityScore.Observe(quality)

	embeddingVec, err := l.embedder.Embed(ctx, question)
	if err != nil {
		return "", err
	}

	if dupID, merged, err := l.dedupAndMerge(ctx, question, embeddingVec, composite, quality); err != nil {
		return "", err
	} else if merged {
		metrics.RAGLearnerOutcomes.WithLabelValues("merged").Inc()
		return dupID, nil
	}

	preview := ExtractAnswerPreview(answer, 200)
	tags := ExtractTags(question, cleanedSQL)
	category := CategorizeQuestion(question)

	qa := &knowledge.QAPair{
		ID:             uuid.NewString(),
		Question:       question,
		SQL:            cleanedSQL,
		AnswerPreview:  preview,
		Embedding:      embeddingVec,
		RawScore:       composite,
		CompositeScore: composite,
		QualityScore:   quality,
		Source:         source,
		Tags:           tags,
		Category:       category,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := l.store.InsertQAPair(ctx, qa); err != nil {
		return "", err
	}
	if l.index != nil {
		if err := l.index.Upsert(ctx, embedding.QARecord{
			ID: qa.ID, Embedding: qa.Embedding, Question: qa.Question,
			CompositeScore: qa.CompositeScore, QualityScore: qa.QualityScore, CreatedAt: qa.CreatedAt,
		}); err != nil {
			logger.Warn("failed to index new QA pair", zap.Error(err))
		}
	}

	logger.Info("rag learner stored new QA pair",
		zap.String("qa_id", qa.ID), zap.Float64("composite", composite), zap.Float64("quality", quality))
	metrics.RAGLearnerOutcomes.WithLabelValues("stored").Inc()
	return qa.ID, nil
}

// dedupAndMerge looks for an existing QAPair whose embedding is within the
// similarity threshold of the new question; when found, and the score gap
// is small, it merges by keeping the higher composite score and bumping
// usage rather than inserting a near-duplicate entry.
func (l *Learner) dedupAndMerge(ctx context.Context, question string, embeddingVec []float32, composite, quality float64) (string, bool, error) {
	candidates, err := l.store.ListQAPairsForScan(ctx)
	if err != nil {
		return "", false, err
	}

	for _, cand := range candidates {
		if len(cand.Embedding) == 0 {
			continue
		}
		sim := embedding.CosineSimilarity(embeddingVec, cand.Embedding)
		if sim < dedupSimilarity {
			continue
		}
		gap := composite - cand.CompositeScore
		if gap < 0 {
			gap = -gap
		}
		if gap >= dedupScoreGap {
			continue
		}

		newScore := cand.CompositeScore
		if composite > newScore {
			newScore = composite
		}
		if err := l.store.UpdateQAPairScore(ctx, cand.ID, newScore, quality); err != nil {
			return "", false, err
		}
		if err := l.store.IncrementQAPairUsage(ctx, cand.ID); err != nil {
			logger.Warn("failed to bump usage on merged qa pair", zap.String("qa_id", cand.ID), zap.Error(err))
		}
		logger.Info("rag learner merged into near-duplicate",
			zap.String("qa_id", cand.ID), zap.Float64("similarity", sim))
		return cand.ID, true, nil
	}

	return "", false, nil
}

// StartEvictionSweep registers a daily cron job that removes QAPair rows
// whose composite score has fallen below the eviction threshold, that have
// never been used, and that are older than the eviction age — low-value
// entries the corpus accumulates but never benefits from.
func (l *Learner) StartEvictionSweep(spec string) error {
	if spec == "" {
		spec = "@daily"
	}
	l.cronJob = cron.New()
	_, err := l.cronJob.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := l.store.EvictLowValueQAPairs(ctx, evictCompositeThreshold, evictMaxAge)
		if err != nil {
			logger.Error("rag learner eviction sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("rag learner eviction sweep removed low-value entries", zap.Int64("count", n))
			metrics.RAGEvictionsTotal.Add(float64(n))
		}
	})
	if err != nil {
		return err
	}
	l.cronJob.Start()
	return nil
}

func (l *Learner) StopEvictionSweep() {
	if l.cronJob != nil {
		l.cronJob.Stop()
	}
}
