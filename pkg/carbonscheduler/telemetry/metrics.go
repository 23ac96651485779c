package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subsystem = "carbon_scheduler"

var (
	// CarbonIntensityGauge measures the forecast carbon intensity per zone
	// at the hour the planner scored.
	CarbonIntensityGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "carbon_intensity_g_per_kwh",
			Help:      "Forecast carbon intensity (gCO2eq/kWh) for a zone at the current hour",
		},
		[]string{"zone"},
	)

	// PlannerCycleDuration measures end-to-end planning cycle latency.
	PlannerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "planner_cycle_duration_seconds",
			Help:      "Latency of full planning cycles",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// PlannerFunctionResults counts per-function cycle outcomes.
	PlannerFunctionResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "planner_function_results_total",
			Help:      "Per-function planning outcomes by state",
		},
		[]string{"state"}, // WRITTEN, CACHED_HIT, FAILED, FAILED_TIMEOUT
	)

	// DispatchResults counts dispatcher outcomes.
	DispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dispatch_results_total",
			Help:      "Dispatcher outcomes by result",
		},
		[]string{"result"}, // forwarded, deferred, no_slot, unknown_function, target_error, idempotent_replay
	)

	// DeferralDelay observes how far into the future deferrals land.
	DeferralDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "deferral_delay_hours",
			Help:      "Hours between request arrival and scheduled slot for deferrals",
			Buckets:   prometheus.LinearBuckets(0, 2, 13),
		},
	)

	// DeploymentResults counts deployment attempts.
	DeploymentResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "deployment_results_total",
			Help:      "Deployment orchestrator outcomes by result",
		},
		[]string{"result"}, // deployed, unchanged, deploy_failed
	)

	// ExternalRetries counts retries against external collaborators.
	ExternalRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "external_retries_total",
			Help:      "Retries against external collaborators",
		},
		[]string{"collaborator"}, // forecast, oracle, deployer, queue
	)
)
