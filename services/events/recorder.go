package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

// Publisher delivers a batch of event envelopes to a durable destination
type Publisher interface {
	Publish(ctx context.Context, batch []*models.GatewayEvent) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, batch []*models.GatewayEvent) error

// Publish implements Publisher
func (f PublisherFunc) Publish(ctx context.Context, batch []*models.GatewayEvent) error {
	return f(ctx, batch)
}

// RecorderConfig holds configuration for the Recorder
type RecorderConfig struct {
	BufferSize     int           // Size of the event buffer channel
	WorkerCount    int           // Number of concurrent workers
	BatchSize      int           // Max events per publish call
	FlushInterval  time.Duration // Max time an event waits for a full batch
	PublishTimeout time.Duration
}

// DefaultRecorderConfig returns the default configuration
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:     10000,
		WorkerCount:    2,
		BatchSize:      100,
		FlushInterval:  time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Recorder is a Sink that converts events to envelopes and publishes them in
// batches from background workers. A full buffer drops the event with a warning.
type Recorder struct {
	publishers []Publisher
	logger     *zap.Logger
	config     RecorderConfig
	eventChan  chan *models.GatewayEvent
	wg         sync.WaitGroup
	mu         sync.RWMutex
	started    bool
	stopped    bool
	dropped    atomic.Int64
}

// NewRecorder creates a recorder. Call Start before emitting.
func NewRecorder(logger *zap.Logger, config RecorderConfig, publishers ...Publisher) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultRecorderConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Recorder{
		publishers: publishers,
		logger:     logger,
		config:     config,
		eventChan:  make(chan *models.GatewayEvent, config.BufferSize),
	}
}

// Start starts the background workers
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("event recorder already started")
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.started = true

	r.logger.Info("started event recorder",
		zap.Int("worker_count", r.config.WorkerCount),
		zap.Int("buffer_size", r.config.BufferSize),
		zap.Int("publishers", len(r.publishers)))
	return nil
}

// Stop closes the buffer and waits for pending events to be flushed
func (r *Recorder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("event recorder not running")
	}
	r.stopped = true
	close(r.eventChan)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event recorder stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("event recorder stop timeout after %v", timeout)
	}
}

// Dropped returns how many events were discarded because the buffer was full
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) AttemptOutcome(e models.AttemptOutcome) {
	r.enqueue(models.EventAttemptOutcome, e.Provider, e.Model, e)
}

func (r *Recorder) BreakerTransition(e models.BreakerTransition) {
	r.enqueue(models.EventBreakerTransition, e.Provider, e.Model, e)
}

func (r *Recorder) CatalogBuild(e models.CatalogBuildSummary) {
	r.enqueue(models.EventCatalogBuild, "", "", e)
}

func (r *Recorder) Admission(e models.AdmissionDecision) {
	r.enqueue(models.EventAdmission, "", e.Model, e)
}

func (r *Recorder) Invalidation(e models.InvalidationOutcome) {
	r.enqueue(models.EventInvalidation, "", "", e)
}

func (r *Recorder) enqueue(eventType models.EventType, provider, model string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to encode event", zap.String("type", string(eventType)), zap.Error(err))
		return
	}

	event := &models.GatewayEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
	if provider != "" {
		event.Provider = &provider
	}
	if model != "" {
		event.Model = &model
	}

	// senders share the read lock; Stop takes the write lock before closing the channel
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.started || r.stopped {
		return
	}

	select {
	case r.eventChan <- event:
	default:
		r.dropped.Add(1)
		r.logger.Warn("event buffer full, dropping event", zap.String("type", string(eventType)))
	}
}

// worker batches events and flushes on size or interval
func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.GatewayEvent, 0, r.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.publish(id, batch)
		batch = make([]*models.GatewayEvent, 0, r.config.BatchSize)
	}

	for {
		select {
		case event, ok := <-r.eventChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= r.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) publish(workerID int, batch []*models.GatewayEvent) {
	for _, p := range r.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.PublishTimeout)
		err := p.Publish(ctx, batch)
		cancel()
		if err != nil {
			r.logger.Error("failed to publish events",
				zap.Int("worker_id", workerID),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
		}
	}
}
