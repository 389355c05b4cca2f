package health

import (
	"time"

	"github.com/upb/llm-gateway/models"
)

// breaker is the per-key circuit state. It is only touched under its shard lock.
type breaker struct {
	state         models.BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

type transition struct {
	from, to models.BreakerState
}

// advance applies the time-driven open -> half_open edge
func (b *breaker) advance(now time.Time, cooldown time.Duration) *transition {
	if b.state == models.BreakerOpen && now.Sub(b.openedAt) >= cooldown {
		b.state = models.BreakerHalfOpen
		b.probeInFlight = false
		return &transition{from: models.BreakerOpen, to: models.BreakerHalfOpen}
	}
	return nil
}

// admit reports whether a call may proceed and whether it is the half-open probe
func (b *breaker) admit() (ok, probe bool) {
	switch b.state {
	case models.BreakerOpen:
		return false, false
	case models.BreakerHalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	default:
		return true, false
	}
}

func (b *breaker) onSuccess(probe bool) *transition {
	switch b.state {
	case models.BreakerOpen:
		// a straggler admitted before the breaker opened; it does not close it
		return nil
	case models.BreakerHalfOpen:
		if !probe {
			return nil
		}
		b.state = models.BreakerClosed
		b.failures = 0
		b.probeInFlight = false
		b.openedAt = time.Time{}
		return &transition{from: models.BreakerHalfOpen, to: models.BreakerClosed}
	default:
		b.failures = 0
		return nil
	}
}

func (b *breaker) onFailure(probe bool, now time.Time, threshold int) *transition {
	b.failures++
	switch b.state {
	case models.BreakerHalfOpen:
		if !probe {
			return nil
		}
		b.state = models.BreakerOpen
		b.openedAt = now
		b.probeInFlight = false
		return &transition{from: models.BreakerHalfOpen, to: models.BreakerOpen}
	case models.BreakerClosed:
		if b.failures >= threshold {
			b.state = models.BreakerOpen
			b.openedAt = now
			return &transition{from: models.BreakerClosed, to: models.BreakerOpen}
		}
	}
	return nil
}

// abandon releases a probe slot without recording an outcome
func (b *breaker) abandon(probe bool) {
	if probe && b.state == models.BreakerHalfOpen {
		b.probeInFlight = false
	}
}

func (b *breaker) snapshot() models.BreakerSnapshot {
	s := models.BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ProbeInFlight:       b.probeInFlight,
	}
	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}
