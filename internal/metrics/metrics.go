package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Research lifecycle metrics
	ResearchesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_researches_started_total",
			Help: "Total number of research requests started",
		},
	)

	ResearchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_researches_completed_total",
			Help: "Total number of research requests completed",
		},
		[]string{"status"},
	)

	ResearchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_researches_active",
			Help: "Number of researches currently registered",
		},
	)

	ResearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_research_duration_seconds",
			Help:    "End-to-end research duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// Step metrics
	StepsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_steps_dispatched_total",
			Help: "Total number of step dispatches to worker agents",
		},
		[]string{"agent_type"},
	)

	StepsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_steps_completed_total",
			Help: "Total number of steps reaching a terminal status",
		},
		[]string{"agent_type", "status"},
	)

	StepsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_steps_running",
			Help: "Number of steps currently running across all researches",
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_step_duration_ms",
			Help:    "Step execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 60000, 300000},
		},
		[]string{"agent_type"},
	)

	// Recovery metrics
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_step_retries_total",
			Help: "Total number of step retries by failure class",
		},
		[]string{"class"},
	)

	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_recovery_actions_total",
			Help: "Recovery decisions taken after retry exhaustion",
		},
		[]string{"action"},
	)

	CircuitBreakersOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_agent_circuit_breakers_open",
			Help: "Number of agent endpoints with an open circuit breaker",
		},
	)

	// Aggregation metrics
	SourcesDeduped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_sources_deduped_total",
			Help: "Total number of duplicate sources merged during aggregation",
		},
	)

	FindingClusters = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_finding_cluster_size",
			Help:    "Members per consolidated finding cluster",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meridian_quality_overall_score",
			Help:    "Overall quality score of aggregated results",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	QualityIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_quality_issues_total",
			Help: "Quality and bias issues raised by the validator",
		},
		[]string{"dimension", "severity"},
	)
)

// RecordStepCompletion records the terminal status and duration of a step.
func RecordStepCompletion(agentType, status string, durationMs float64) {
	StepsCompleted.WithLabelValues(agentType, status).Inc()
	if durationMs > 0 {
		StepDuration.WithLabelValues(agentType).Observe(durationMs)
	}
}

// RecordResearchCompletion records a finished research run.
func RecordResearchCompletion(status string, durationSeconds float64) {
	ResearchesCompleted.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		ResearchDuration.Observe(durationSeconds)
	}
}
