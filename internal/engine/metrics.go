package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepreview_generation_requests_total",
		Help: "Generation requests by kind and outcome.",
	}, []string{"kind", "status"})

	sectionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepreview_section_failures_total",
		Help: "Sections that exhausted retries and were recorded as gaps.",
	})

	retrievalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepreview_retrieval_failures_total",
		Help: "Individual retrieval calls that failed.",
	})

	tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepreview_llm_tokens_total",
		Help: "LLM tokens consumed.",
	}, []string{"kind"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepreview_generation_duration_seconds",
		Help:    "Wall time of full document generations.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
)
