package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query lifecycle
	QueriesSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_queries_submitted_total",
			Help: "Total number of investigative queries submitted",
		},
	)

	QueriesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_queries_completed_total",
			Help: "Total number of queries reaching a terminal state",
		},
		[]string{"status"}, // complete, partial, failed, cancelled
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_query_duration_seconds",
			Help:    "End-to-end query duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Task graph
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_tasks_executed_total",
			Help: "Task node executions by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_task_retries_total",
			Help: "Task node retry attempts by kind",
		},
		[]string{"kind"},
	)

	PlanningErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_planning_errors_total",
			Help: "Query decompositions rejected as cyclic, empty, or malformed",
		},
	)

	PlanFacets = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_plan_facets",
			Help:    "Number of facets per query plan",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	// Retrieval
	RetrievalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_retrieval_latency_seconds",
			Help:    "Latency of a single index query",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index", "status"}, // index: semantic, graph, keyword
	)

	RetrievalDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_retrieval_degraded_total",
			Help: "Retrievals served from a single index because the other was unreachable",
		},
		[]string{"available_index"},
	)

	RetrievalUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_retrieval_unavailable_total",
			Help: "Retrievals that failed because every index was unreachable",
		},
	)

	FragmentsRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_fragments_retrieved",
			Help:    "Fused fragment count per retrieve task after dedup and cap",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	KeywordCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_keyword_cache_total",
			Help: "Keyword index cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, error
	)

	// Extraction and contradiction analysis
	FactsExtracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_facts_extracted_total",
			Help: "Normalized facts emitted by the locator",
		},
	)

	FactsDroppedLowConfidence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_facts_dropped_low_confidence_total",
			Help: "Facts dropped below the confidence floor",
		},
	)

	ContradictionsFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_contradictions_found_total",
			Help: "Contradiction findings emitted",
		},
	)

	// Assembly integrity
	UncitedClaimsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_uncited_claims_dropped_total",
			Help: "Synthesized statements rejected for lacking a resolvable citation",
		},
	)

	DanglingCitations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_dangling_citations_total",
			Help: "Citations that failed to resolve against the document store",
		},
	)

	// Model service
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_model_calls_total",
			Help: "Calls to the model service by operation and status",
		},
		[]string{"operation", "status"},
	)

	ModelCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_model_call_latency_seconds",
			Help:    "Model service call latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// Embedding cache
	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_embedding_cache_hits_total",
			Help: "Embedding cache hits",
		},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_embedding_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)
)

// RecordIndexQuery records a single index round trip.
func RecordIndexQuery(index, status string, seconds float64) {
	RetrievalLatency.WithLabelValues(index, status).Observe(seconds)
}
