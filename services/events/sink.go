// Package events carries the observability events emitted by the gateway core:
// per-attempt outcomes, breaker transitions, catalog build summaries, admission
// decisions and cache invalidations.
package events

import "github.com/upb/llm-gateway/models"

// Sink receives core events. Implementations must not block the caller.
type Sink interface {
	AttemptOutcome(e models.AttemptOutcome)
	BreakerTransition(e models.BreakerTransition)
	CatalogBuild(e models.CatalogBuildSummary)
	Admission(e models.AdmissionDecision)
	Invalidation(e models.InvalidationOutcome)
}

// Multi fans every event out to all sinks in order
type Multi []Sink

func (m Multi) AttemptOutcome(e models.AttemptOutcome) {
	for _, s := range m {
		s.AttemptOutcome(e)
	}
}

func (m Multi) BreakerTransition(e models.BreakerTransition) {
	for _, s := range m {
		s.BreakerTransition(e)
	}
}

func (m Multi) CatalogBuild(e models.CatalogBuildSummary) {
	for _, s := range m {
		s.CatalogBuild(e)
	}
}

func (m Multi) Admission(e models.AdmissionDecision) {
	for _, s := range m {
		s.Admission(e)
	}
}

func (m Multi) Invalidation(e models.InvalidationOutcome) {
	for _, s := range m {
		s.Invalidation(e)
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) AttemptOutcome(models.AttemptOutcome)       {}
func (Nop) BreakerTransition(models.BreakerTransition) {}
func (Nop) CatalogBuild(models.CatalogBuildSummary)    {}
func (Nop) Admission(models.AdmissionDecision)         {}
func (Nop) Invalidation(models.InvalidationOutcome)    {}

// OrNop returns s, or Nop when s is nil
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
