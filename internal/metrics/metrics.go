package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distillo_requests_total",
		Help: "Submissions by kind and terminal status.",
	}, []string{"kind", "status"})

	DedupeReuses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distillo_dedupe_reuses_total",
		Help: "Submissions answered from a prior summary.",
	})

	ExtractionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distillo_extraction_outcomes_total",
		Help: "Content extraction results by source and outcome.",
	}, []string{"source", "outcome"})

	LLMAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distillo_llm_attempts_total",
		Help: "LLM attempts by model, preset and status.",
	}, []string{"model", "preset", "status"})

	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distillo_llm_tokens_total",
		Help: "Token usage by model and direction.",
	}, []string{"model", "direction"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "distillo_stage_duration_seconds",
		Help:    "Wall time per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distillo_breaker_open",
		Help: "1 while the batch circuit breaker is open.",
	})

	BatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "distillo_batch_in_flight",
		Help: "Submissions currently holding an external-IO permit.",
	})

	LockDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "distillo_lock_degraded_total",
		Help: "Times the shared lock backend fell back to in-process locks.",
	})
)
