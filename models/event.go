package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the core observability events
type EventType string

const (
	EventAttemptOutcome    EventType = "attempt_outcome"
	EventBreakerTransition EventType = "breaker_transition"
	EventCatalogBuild      EventType = "catalog_build"
	EventAdmission         EventType = "admission_decision"
	EventInvalidation      EventType = "cache_invalidation"
)

// GatewayEvent is the envelope persisted and published for every core event
type GatewayEvent struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Type      EventType       `json:"type" db:"event_type"`
	Provider  *string         `json:"provider,omitempty" db:"provider"`
	Model     *string         `json:"model,omitempty" db:"model"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the GatewayEvent model
func (GatewayEvent) TableName() string {
	return "gateway_events"
}

// AttemptOutcome is emitted after every provider attempt that reached a conclusion
type AttemptOutcome struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Latency  time.Duration `json:"latency"`
	Status   OutcomeStatus `json:"status"`
	Detail   string        `json:"detail,omitempty"`
}

// BreakerTransition is emitted whenever a breaker changes state
type BreakerTransition struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	From     BreakerState `json:"old_state"`
	To       BreakerState `json:"new_state"`
}

// CatalogBuildSummary is emitted after every aggregation run
type CatalogBuildSummary struct {
	Version            uint64        `json:"version"`
	ProvidersResponded []string      `json:"providers_responded"`
	ProvidersMissing   []string      `json:"providers_missing"`
	Duration           time.Duration `json:"duration"`
	Degraded           bool          `json:"degraded"`
	ModelCount         int           `json:"model_count"`
}

// AdmissionDecision is emitted for every credit reservation attempt
type AdmissionDecision struct {
	UserID    string  `json:"user_id"`
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Approved  bool    `json:"approved"`
	MaxCost   float64 `json:"max_cost"`
	Shortfall float64 `json:"shortfall,omitempty"`
}

// InvalidationOutcome is emitted when a background invalidation finishes
type InvalidationOutcome struct {
	Providers []string `json:"providers"`
	Keys      int      `json:"keys"`
	Error     string   `json:"error,omitempty"`
}
