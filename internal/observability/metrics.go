package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adsopt_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// optimization cycles per account, labelled by result
	OptimizationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_optimization_runs_total",
			Help: "Total optimization cycles executed",
		},
		[]string{"status"},
	)

	// wall time of a full optimization cycle
	OptimizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adsopt_optimization_duration_seconds",
			Help:    "Duration of optimization cycles",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// coordination decisions labelled by outcome
	CoordinationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_coordination_total",
			Help: "Total coordination decisions",
		},
		[]string{"outcome"},
	)

	// relative size of applied bid changes
	BidChangeMagnitude = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adsopt_bid_change_pct",
			Help:    "Histogram of applied bid change percentages",
			Buckets: prometheus.LinearBuckets(-50, 10, 11),
		},
	)

	// proposals emitted, labelled by source
	ProposalCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_proposals_total",
			Help: "Total bid proposals emitted",
		},
		[]string{"source"},
	)

	// market curve fits labelled by outcome
	CurveFits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_curve_fits_total",
			Help: "Total market curve fit attempts",
		},
		[]string{"status"},
	)

	// prediction tree trainings labelled by model kind and outcome
	TreeTrainings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_tree_trainings_total",
			Help: "Total prediction tree trainings",
		},
		[]string{"kind", "status"},
	)

	// realtime spend reads labelled by the tier that answered
	RealtimeReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_realtime_reads_total",
			Help: "Total realtime spend reads",
		},
		[]string{"source"},
	)

	// realtime reads answered with stale data
	StaleRealtimeReads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adsopt_realtime_stale_total",
			Help: "Total realtime reads served from stale data",
		},
	)

	// dual-track consistency checks labelled by result
	ConsistencyChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_consistency_checks_total",
			Help: "Total report/stream consistency checks",
		},
		[]string{"result"},
	)

	// alerts raised after repeated divergence
	ConsistencyAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adsopt_consistency_alerts_total",
			Help: "Total consistency alerts raised",
		},
	)

	// pacing guard actions labelled by action taken
	PacingActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_pacing_actions_total",
			Help: "Total pacing guard actions",
		},
		[]string{"action"},
	)

	// intraday anomalies labelled by kind
	AnomalyCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_anomalies_total",
			Help: "Total intraday anomalies detected",
		},
		[]string{"kind"},
	)

	// batch executions labelled by terminal status
	BatchExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_batch_executions_total",
			Help: "Total batch operation executions",
		},
		[]string{"status"},
	)

	// batch items labelled by terminal status
	BatchItemCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_batch_items_total",
			Help: "Total batch items executed",
		},
		[]string{"status"},
	)

	// ad platform API calls labelled by method and outcome
	PlatformCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_platform_calls_total",
			Help: "Total ad platform API calls",
		},
		[]string{"method", "outcome"},
	)

	// latency of ad platform API calls per method
	PlatformCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adsopt_platform_call_duration_seconds",
			Help:    "Duration of ad platform API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// rate limit hits per API family
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_ratelimit_hits_total",
			Help: "Total rate limit hits per API family",
		},
		[]string{"api_family"},
	)

	// rate limit requests per API family
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_ratelimit_requests_total",
			Help: "Total rate limit requests per API family",
		},
		[]string{"api_family"},
	)

	// effect measurements completed, labelled by horizon
	EffectMeasurements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_effect_measurements_total",
			Help: "Total effect measurements completed",
		},
		[]string{"horizon"},
	)

	// rollback suggestions created, labelled by priority
	RollbackSuggestions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_rollback_suggestions_total",
			Help: "Total rollback suggestions created",
		},
		[]string{"priority"},
	)

	// scheduled task runs labelled by task type and result
	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsopt_task_runs_total",
			Help: "Total scheduled task runs",
		},
		[]string{"task_type", "status"},
	)

	// realtime spend tracked per account
	RealtimeSpend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adsopt_realtime_spend",
			Help: "Realtime spend observed per account",
		},
		[]string{"account"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		OptimizationRuns,
		OptimizationDuration,
		CoordinationOutcomes,
		BidChangeMagnitude,
		ProposalCount,
		CurveFits,
		TreeTrainings,
		RealtimeReads,
		StaleRealtimeReads,
		ConsistencyChecks,
		ConsistencyAlerts,
		PacingActions,
		AnomalyCount,
		BatchExecutions,
		BatchItemCount,
		PlatformCalls,
		PlatformCallLatency,
		RateLimitHits,
		RateLimitRequests,
		EffectMeasurements,
		RollbackSuggestions,
		TaskRuns,
		RealtimeSpend,
	)
}
