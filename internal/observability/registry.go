package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Optimization cycle metrics
	IncrementOptimizationRuns(status string)
	RecordOptimizationDuration(duration time.Duration)

	// Coordination metrics
	IncrementCoordination(outcome string)
	RecordBidChangePct(pct float64)
	IncrementProposals(source string)

	// Model training metrics
	IncrementCurveFits(status string)
	IncrementTreeTrainings(kind, status string)

	// Data plane metrics
	IncrementRealtimeReads(source string)
	IncrementStaleRealtime()
	IncrementConsistencyChecks(result string)
	IncrementConsistencyAlerts()
	SetRealtimeSpend(account string, amount float64)

	// Intraday guard metrics
	IncrementPacingActions(action string)
	IncrementAnomalies(kind string)

	// Batch execution metrics
	IncrementBatchExecutions(status string)
	IncrementBatchItems(status string)

	// Ad platform client metrics
	IncrementPlatformCalls(method, outcome string)
	RecordPlatformCallLatency(method string, duration time.Duration)
	IncrementRateLimitRequests(apiFamily string)
	IncrementRateLimitHits(apiFamily string)

	// Effect tracking metrics
	IncrementEffectMeasurements(horizon string)
	IncrementRollbackSuggestions(priority string)

	// Scheduler metrics
	IncrementTaskRuns(taskType, status string)
}

// PrometheusRegistry implements MetricsRegistry using the existing global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Optimization cycle metrics
func (r *PrometheusRegistry) IncrementOptimizationRuns(status string) {
	OptimizationRuns.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) RecordOptimizationDuration(duration time.Duration) {
	OptimizationDuration.Observe(duration.Seconds())
}

// Coordination metrics
func (r *PrometheusRegistry) IncrementCoordination(outcome string) {
	CoordinationOutcomes.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordBidChangePct(pct float64) {
	BidChangeMagnitude.Observe(pct)
}

func (r *PrometheusRegistry) IncrementProposals(source string) {
	ProposalCount.WithLabelValues(source).Inc()
}

// Model training metrics
func (r *PrometheusRegistry) IncrementCurveFits(status string) {
	CurveFits.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) IncrementTreeTrainings(kind, status string) {
	TreeTrainings.WithLabelValues(kind, status).Inc()
}

// Data plane metrics
func (r *PrometheusRegistry) IncrementRealtimeReads(source string) {
	RealtimeReads.WithLabelValues(source).Inc()
}

func (r *PrometheusRegistry) IncrementStaleRealtime() {
	StaleRealtimeReads.Inc()
}

func (r *PrometheusRegistry) IncrementConsistencyChecks(result string) {
	ConsistencyChecks.WithLabelValues(result).Inc()
}

func (r *PrometheusRegistry) IncrementConsistencyAlerts() {
	ConsistencyAlerts.Inc()
}

func (r *PrometheusRegistry) SetRealtimeSpend(account string, amount float64) {
	RealtimeSpend.WithLabelValues(account).Set(amount)
}

// Intraday guard metrics
func (r *PrometheusRegistry) IncrementPacingActions(action string) {
	PacingActions.WithLabelValues(action).Inc()
}

func (r *PrometheusRegistry) IncrementAnomalies(kind string) {
	AnomalyCount.WithLabelValues(kind).Inc()
}

// Batch execution metrics
func (r *PrometheusRegistry) IncrementBatchExecutions(status string) {
	BatchExecutions.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) IncrementBatchItems(status string) {
	BatchItemCount.WithLabelValues(status).Inc()
}

// Ad platform client metrics
func (r *PrometheusRegistry) IncrementPlatformCalls(method, outcome string) {
	PlatformCalls.WithLabelValues(method, outcome).Inc()
}

func (r *PrometheusRegistry) RecordPlatformCallLatency(method string, duration time.Duration) {
	PlatformCallLatency.WithLabelValues(method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(apiFamily string) {
	RateLimitRequests.WithLabelValues(apiFamily).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(apiFamily string) {
	RateLimitHits.WithLabelValues(apiFamily).Inc()
}

// Effect tracking metrics
func (r *PrometheusRegistry) IncrementEffectMeasurements(horizon string) {
	EffectMeasurements.WithLabelValues(horizon).Inc()
}

func (r *PrometheusRegistry) IncrementRollbackSuggestions(priority string) {
	RollbackSuggestions.WithLabelValues(priority).Inc()
}

// Scheduler metrics
func (r *PrometheusRegistry) IncrementTaskRuns(taskType, status string) {
	TaskRuns.WithLabelValues(taskType, status).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// HTTP Request metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Optimization cycle metrics
func (r *NoOpRegistry) IncrementOptimizationRuns(status string)           {}
func (r *NoOpRegistry) RecordOptimizationDuration(duration time.Duration) {}

// Coordination metrics
func (r *NoOpRegistry) IncrementCoordination(outcome string) {}
func (r *NoOpRegistry) RecordBidChangePct(pct float64)       {}
func (r *NoOpRegistry) IncrementProposals(source string)     {}

// Model training metrics
func (r *NoOpRegistry) IncrementCurveFits(status string)           {}
func (r *NoOpRegistry) IncrementTreeTrainings(kind, status string) {}

// Data plane metrics
func (r *NoOpRegistry) IncrementRealtimeReads(source string)            {}
func (r *NoOpRegistry) IncrementStaleRealtime()                         {}
func (r *NoOpRegistry) IncrementConsistencyChecks(result string)        {}
func (r *NoOpRegistry) IncrementConsistencyAlerts()                     {}
func (r *NoOpRegistry) SetRealtimeSpend(account string, amount float64) {}

// Intraday guard metrics
func (r *NoOpRegistry) IncrementPacingActions(action string) {}
func (r *NoOpRegistry) IncrementAnomalies(kind string)       {}

// Batch execution metrics
func (r *NoOpRegistry) IncrementBatchExecutions(status string) {}
func (r *NoOpRegistry) IncrementBatchItems(status string)      {}

// Ad platform client metrics
func (r *NoOpRegistry) IncrementPlatformCalls(method, outcome string)                   {}
func (r *NoOpRegistry) RecordPlatformCallLatency(method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementRateLimitRequests(apiFamily string)                     {}
func (r *NoOpRegistry) IncrementRateLimitHits(apiFamily string)                         {}

// Effect tracking metrics
func (r *NoOpRegistry) IncrementEffectMeasurements(horizon string)   {}
func (r *NoOpRegistry) IncrementRollbackSuggestions(priority string) {}

// Scheduler metrics
func (r *NoOpRegistry) IncrementTaskRuns(taskType, status string) {}
