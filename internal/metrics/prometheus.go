package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_stream_events_total",
			Help: "Total number of stream events emitted, by kind",
		},
		[]string{"kind"},
	)

	AgentLoopIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nl2sql_agent_loop_iterations",
			Help:    "Number of tool-calling iterations per request",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		},
	)

	AgentLoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nl2sql_agent_loop_duration_seconds",
			Help:    "Wall-clock duration of the agent loop per request",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"outcome"},
	)

	ToolDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_tool_dispatch_total",
			Help: "Total tool dispatches, by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	CompositeScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nl2sql_composite_score",
			Help:    "Composite feedback score of learned QA pairs",
			Buckets: []float64{1, 2, 3, 3.5, 4, 4.5, 5},
		},
	)

	QualityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nl2sql_quality_score",
			Help:    "Quality score of learned QA pairs",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RAGRetrievalHitRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nl2sql_rag_retrieval_hit_rate",
			Help: "Fraction of requests that retrieved at least one few-shot example, by source",
		},
		[]string{"source"},
	)

	AnalyzerCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nl2sql_analyzer_cache_hits_total",
			Help: "Total analyzer rewrite cache hits",
		},
	)

	AnalyzerCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nl2sql_analyzer_cache_misses_total",
			Help: "Total analyzer rewrite cache misses",
		},
	)

	StreamBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nl2sql_stream_buffer_depth",
			Help: "Most recently observed depth of the stream orchestrator's event buffer",
		},
	)

	StreamDroppedDeltas = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nl2sql_stream_dropped_deltas_total",
			Help: "Total text_delta events dropped under backpressure",
		},
	)

	RAGLearnerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nl2sql_rag_learner_outcomes_total",
			Help: "Total RAG learner outcomes, by result (stored, merged, gated)",
		},
		[]string{"result"},
	)

	RAGEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nl2sql_rag_evictions_total",
			Help: "Total low-value QA pairs evicted by the eviction sweep",
		},
	)
)

func Init() {
	prometheus.MustRegister(StreamEventsTotal)
	prometheus.MustRegister(AgentLoopIterations)
	prometheus.MustRegister(AgentLoopDuration)
	prometheus.MustRegister(ToolDispatchTotal)
	prometheus.MustRegister(CompositeScore)
	prometheus.MustRegister(QualityScore)
	prometheus.MustRegister(RAGRetrievalHitRate)
	prometheus.MustRegister(AnalyzerCacheHits)
	prometheus.MustRegister(AnalyzerCacheMisses)
	prometheus.MustRegister(StreamBufferDepth)
	prometheus.MustRegister(StreamDroppedDeltas)
	prometheus.MustRegister(RAGLearnerOutcomes)
	prometheus.MustRegister(RAGEvictionsTotal)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
