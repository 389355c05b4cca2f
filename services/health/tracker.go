package health

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/events"
)

// Config holds tracker thresholds
type Config struct {
	Shards           int
	FailureThreshold int           // consecutive failures that open a breaker
	Cooldown         time.Duration // open -> half_open delay
	EMAAlpha         float64       // weight of the newest latency sample
	Window           int           // outcomes considered for the success rate
	HealthyThreshold float64       // success rate at or above which a pair is healthy
	DownFloor        float64       // success rate at or below which a pair is down
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		Shards:           32,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		EMAAlpha:         0.3,
		Window:           20,
		HealthyThreshold: 0.9,
		DownFloor:        0.5,
	}
}

// Key identifies one (provider, canonical model) pair
type Key struct {
	Provider string
	Model    string
}

// Permit is returned by Admit and must be handed back through Report or Abandon
type Permit struct {
	Key
	probe bool
}

// Probe reports whether this permit holds the single half-open probe slot
func (p Permit) Probe() bool { return p.probe }

// Outcome is the conclusion of one attempt
type Outcome struct {
	Status  models.OutcomeStatus
	Latency time.Duration
	Detail  string
}

// View is the ranking input for one pair
type View struct {
	Status     models.HealthStatus
	Breaker    models.BreakerState
	AvgLatency time.Duration
	Known      bool
}

type entry struct {
	record  models.HealthRecord
	window  []bool
	next    int
	filled  int
	breaker breaker
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Tracker records outcomes per (provider, model) and drives the circuit breakers.
// Keys are spread over independently locked shards; updates to one key are serialized.
type Tracker struct {
	shards []*shard
	config Config
	sink   events.Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker
func NewTracker(config Config, sink events.Sink, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if config.Shards <= 0 {
		config.Shards = def.Shards
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.EMAAlpha <= 0 || config.EMAAlpha > 1 {
		config.EMAAlpha = def.EMAAlpha
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = def.HealthyThreshold
	}

	shards := make([]*shard, config.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[Key]*entry)}
	}

	return &Tracker{
		shards: shards,
		config: config,
		sink:   events.OrNop(sink),
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Provider))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Model))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// getOrCreate must be called with the shard lock held
func (t *Tracker) getOrCreate(s *shard, k Key) *entry {
	e, ok := s.entries[k]
	if !ok {
		e = &entry{
			record: models.HealthRecord{Provider: k.Provider, Model: k.Model},
			window: make([]bool, t.config.Window),
			breaker: breaker{
				state: models.BreakerClosed,
			},
		}
		s.entries[k] = e
	}
	return e
}

// Admit asks the breaker whether an attempt may start. In half_open only the
// first caller gets through until it reports or abandons.
func (t *Tracker) Admit(provider, model string) (Permit, bool) {
	k := Key{Provider: provider, Model: model}
	s := t.shardFor(k)

	s.mu.Lock()
	e := t.getOrCreate(s, k)
	tr := e.breaker.advance(t.now(), t.config.Cooldown)
	ok, probe := e.breaker.admit()
	s.mu.Unlock()

	t.emitTransition(k, tr)
	return Permit{Key: k, probe: probe}, ok
}

// Report records a concluded attempt. Every non-success status counts as a failure.
func (t *Tracker) Report(p Permit, o Outcome) {
	s := t.shardFor(p.Key)
	now := t.now()

	s.mu.Lock()
	e := t.getOrCreate(s, p.Key)
	t.recordOutcome(e, o, now)

	var tr *transition
	if o.Status == models.OutcomeSuccess {
		tr = e.breaker.onSuccess(p.probe)
		if e.breaker.state != models.BreakerOpen {
			t.updateLatency(e, o.Latency)
		}
	} else {
		tr = e.breaker.onFailure(p.probe, now, t.config.FailureThreshold)
	}
	s.mu.Unlock()

	t.sink.AttemptOutcome(models.AttemptOutcome{
		Provider: p.Provider,
		Model:    p.Model,
		Latency:  o.Latency,
		Status:   o.Status,
		Detail:   o.Detail,
	})
	t.emitTransition(p.Key, tr)
}

// Abandon returns a permit whose attempt was cancelled. No statistics change.
func (t *Tracker) Abandon(p Permit) {
	s := t.shardFor(p.Key)
	s.mu.Lock()
	if e, ok := s.entries[p.Key]; ok {
		e.breaker.abandon(p.probe)
	}
	s.mu.Unlock()
}

func (t *Tracker) recordOutcome(e *entry, o Outcome, now time.Time) {
	r := &e.record
	r.CallCount++
	r.LastLatency = o.Latency
	r.LastStatus = o.Status
	r.LastCalledAt = now

	success := o.Status == models.OutcomeSuccess
	if success {
		r.SuccessCount++
	} else {
		r.ErrorCount++
		r.LastError = o.Detail
	}

	e.window[e.next] = success
	e.next = (e.next + 1) % len(e.window)
	if e.filled < len(e.window) {
		e.filled++
	}
}

// updateLatency folds a sample into the exponential moving average
func (t *Tracker) updateLatency(e *entry, sample time.Duration) {
	r := &e.record
	if r.SuccessCount <= 1 || r.AvgLatency == 0 {
		r.AvgLatency = sample
		return
	}
	alpha := t.config.EMAAlpha
	r.AvgLatency = time.Duration(alpha*float64(sample) + (1-alpha)*float64(r.AvgLatency))
}

// View returns the ranking inputs for a pair. Unknown pairs are reported as not known.
func (t *Tracker) View(provider, model string) View {
	k := Key{Provider: provider, Model: model}
	s := t.shardFor(k)

	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return View{Status: models.HealthUnknown, Breaker: models.BreakerClosed}
	}
	tr := e.breaker.advance(t.now(), t.config.Cooldown)
	v := View{
		Status:     t.status(e),
		Breaker:    e.breaker.state,
		AvgLatency: e.record.AvgLatency,
		Known:      e.record.CallCount > 0,
	}
	s.mu.Unlock()

	t.emitTransition(k, tr)
	return v
}

// status derives health from the recent window. Caller holds the shard lock.
func (t *Tracker) status(e *entry) models.HealthStatus {
	if e.breaker.state == models.BreakerOpen {
		return models.HealthDown
	}
	if e.filled == 0 {
		return models.HealthUnknown
	}

	successes := 0
	for i := 0; i < e.filled; i++ {
		if e.window[i] {
			successes++
		}
	}
	rate := float64(successes) / float64(e.filled)

	switch {
	case rate >= t.config.HealthyThreshold:
		return models.HealthHealthy
	case rate > t.config.DownFloor:
		return models.HealthDegraded
	default:
		return models.HealthDown
	}
}

// Record returns a copy of one pair's record with derived status and breaker state
func (t *Tracker) Record(provider, model string) (models.HealthRecord, bool) {
	k := Key{Provider: provider, Model: model}
	s := t.shardFor(k)

	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return models.HealthRecord{}, false
	}
	r, tr := t.materialize(e, t.now())
	s.mu.Unlock()

	t.emitTransition(k, tr)
	return r, true
}

// materialize moves an open breaker past its cool-down before reading it, so reports
// match what the next Admit would see. Caller holds the shard lock.
func (t *Tracker) materialize(e *entry, now time.Time) (models.HealthRecord, *transition) {
	tr := e.breaker.advance(now, t.config.Cooldown)
	r := e.record
	r.Status = t.status(e)
	r.Breaker = e.breaker.snapshot()
	return r, tr
}

// Snapshot returns every record ordered by provider then model
func (t *Tracker) Snapshot() []models.HealthRecord {
	type pending struct {
		key Key
		tr  *transition
	}

	now := t.now()
	var out []models.HealthRecord
	var moved []pending
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			r, tr := t.materialize(e, now)
			out = append(out, r)
			if tr != nil {
				moved = append(moved, pending{key: k, tr: tr})
			}
		}
		s.mu.Unlock()
	}

	for _, m := range moved {
		t.emitTransition(m.key, m.tr)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func (t *Tracker) emitTransition(k Key, tr *transition) {
	if tr == nil {
		return
	}
	t.logger.Info("breaker state changed",
		zap.String("provider", k.Provider),
		zap.String("model", k.Model),
		zap.String("from", string(tr.from)),
		zap.String("to", string(tr.to)))
	t.sink.BreakerTransition(models.BreakerTransition{
		Provider: k.Provider,
		Model:    k.Model,
		From:     tr.from,
		To:       tr.to,
	})
}

// Store persists health records for operators
type Store interface {
	UpsertHealthRecords(ctx context.Context, records []models.HealthRecord) error
}

// StartPersistWorker periodically writes all records to the store until ctx is done
func (t *Tracker) StartPersistWorker(ctx context.Context, store Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("health persist worker stopped")
			return
		case <-ticker.C:
			records := t.Snapshot()
			if len(records) == 0 {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, interval)
			if err := store.UpsertHealthRecords(writeCtx, records); err != nil {
				t.logger.Error("failed to persist health records", zap.Error(err))
			}
			cancel()
		}
	}
}
