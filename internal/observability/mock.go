package observability

import "time"

// MockMetricsRegistry is a mock implementation of MetricsRegistry for testing
type MockMetricsRegistry struct{}

// HTTP Request metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Optimization cycle metrics
func (m *MockMetricsRegistry) IncrementOptimizationRuns(status string)           {}
func (m *MockMetricsRegistry) RecordOptimizationDuration(duration time.Duration) {}

// Coordination metrics
func (m *MockMetricsRegistry) IncrementCoordination(outcome string) {}
func (m *MockMetricsRegistry) RecordBidChangePct(pct float64)       {}
func (m *MockMetricsRegistry) IncrementProposals(source string)     {}

// Model training metrics
func (m *MockMetricsRegistry) IncrementCurveFits(status string)           {}
func (m *MockMetricsRegistry) IncrementTreeTrainings(kind, status string) {}

// Data plane metrics
func (m *MockMetricsRegistry) IncrementRealtimeReads(source string)            {}
func (m *MockMetricsRegistry) IncrementStaleRealtime()                         {}
func (m *MockMetricsRegistry) IncrementConsistencyChecks(result string)        {}
func (m *MockMetricsRegistry) IncrementConsistencyAlerts()                     {}
func (m *MockMetricsRegistry) SetRealtimeSpend(account string, amount float64) {}

// Intraday guard metrics
func (m *MockMetricsRegistry) IncrementPacingActions(action string) {}
func (m *MockMetricsRegistry) IncrementAnomalies(kind string)       {}

// Batch execution metrics
func (m *MockMetricsRegistry) IncrementBatchExecutions(status string) {}
func (m *MockMetricsRegistry) IncrementBatchItems(status string)      {}

// Ad platform client metrics
func (m *MockMetricsRegistry) IncrementPlatformCalls(method, outcome string)                   {}
func (m *MockMetricsRegistry) RecordPlatformCallLatency(method string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementRateLimitRequests(apiFamily string)                     {}
func (m *MockMetricsRegistry) IncrementRateLimitHits(apiFamily string)                         {}

// Effect tracking metrics
func (m *MockMetricsRegistry) IncrementEffectMeasurements(horizon string)   {}
func (m *MockMetricsRegistry) IncrementRollbackSuggestions(priority string) {}

// Scheduler metrics
func (m *MockMetricsRegistry) IncrementTaskRuns(taskType, status string) {}
