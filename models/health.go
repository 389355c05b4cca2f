package models

import "time"

// OutcomeStatus is the result of one attempt against a provider
type OutcomeStatus string

const (
	OutcomeSuccess      OutcomeStatus = "success"
	OutcomeError        OutcomeStatus = "error"
	OutcomeTimeout      OutcomeStatus = "timeout"
	OutcomeRateLimited  OutcomeStatus = "rate_limited"
	OutcomeNetworkError OutcomeStatus = "network_error"
)

// HealthStatus is the derived health of a (provider, model) pair
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthUnknown  HealthStatus = "unknown"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Rank orders statuses for candidate ranking; lower is preferred
func (s HealthStatus) Rank() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthUnknown:
		return 1
	case HealthDegraded:
		return 2
	default:
		return 3
	}
}

// BreakerState is the circuit breaker position
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// HealthRecord holds per (provider, canonical model) call statistics
type HealthRecord struct {
	Provider     string        `json:"provider" db:"provider"`
	Model        string        `json:"model" db:"model"`
	CallCount    int64         `json:"call_count" db:"call_count"`
	SuccessCount int64         `json:"success_count" db:"success_count"`
	ErrorCount   int64         `json:"error_count" db:"error_count"`
	LastLatency  time.Duration `json:"last_latency" db:"last_latency_ms"`
	AvgLatency   time.Duration `json:"avg_latency" db:"avg_latency_ms"`
	LastStatus   OutcomeStatus `json:"last_status" db:"last_status"`
	LastError    string        `json:"last_error,omitempty" db:"last_error"`
	LastCalledAt time.Time     `json:"last_called_at" db:"last_called_at"`

	Status  HealthStatus    `json:"status" db:"status"`
	Breaker BreakerSnapshot `json:"breaker"`
}

// TableName returns the table name for the HealthRecord model
func (HealthRecord) TableName() string {
	return "health_records"
}

// BreakerSnapshot is a point-in-time copy of one breaker
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	ProbeInFlight       bool         `json:"probe_in_flight"`
}
