// Package metrics holds the Prometheus instruments for planning, the
// operation protocol and the embedding cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for agtown.
type Metrics struct {
	// Plan generation
	PlanGenerations    *prometheus.CounterVec
	PlanDuration       *prometheus.HistogramVec
	GenerationAttempts *prometheus.CounterVec
	TasksGenerated     *prometheus.CounterVec
	LLMTokens          *prometheus.CounterVec

	// Operation protocol
	OperationsDispatched *prometheus.CounterVec
	FinishInputs         *prometheus.CounterVec
	ExpiredLeases        prometheus.Counter
	PendingOperations    prometheus.Gauge
	BusDropped           *prometheus.CounterVec

	// Embedding cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetrics creates a Metrics instance with every instrument registered on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		PlanGenerations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agtown_plan_generations_total",
				Help: "Total number of plan reflection cycles",
			},
			[]string{"status"},
		),
		PlanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agtown_plan_duration_seconds",
				Help:    "Wall time of one plan reflection cycle",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		GenerationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agtown_generation_attempts_total",
				Help: "Model calls per depth round, by outcome",
			},
			[]string{"depth", "outcome"},
		),
		TasksGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agtown_tasks_generated_total",
				Help: "Tasks accepted into plans, by depth",
			},
			[]string{"depth"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agtown_llm_tokens_total",
				Help: "Tokens reported by the chat completion endpoint",
			},
			[]string{"model", "token_type"},
		),

		OperationsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agtown_operations_dispatched_total",
				Help: "Background operations handed to the scheduler, by kind",
			},
			[]string{"kind"},
		),
		FinishInputs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agtown_finish_inputs_total",
				Help: "Finish inputs seen by the engine, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ExpiredLeases: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agtown_expired_leases_total",
				Help: "Pending operations abandoned after their lease ran out",
			},
		),
		PendingOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agtown_pending_operations",
				Help: "Operations dispatched and not yet finished or expired",
			},
		),

		BusDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agtown_bus_dropped_total",
				Help: "Messages dropped because a bus channel was full",
			},
			[]string{"channel", "type"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agtown_embedding_cache_hits_total",
				Help: "Embedding lookups served from the cache",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agtown_embedding_cache_misses_total",
				Help: "Embedding lookups that required a model call",
			},
		),
	}
}
