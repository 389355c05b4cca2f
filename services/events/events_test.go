package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

type capturePublisher struct {
	mu      sync.Mutex
	batches [][]*models.GatewayEvent
	err     error
}

func (c *capturePublisher) Publish(ctx context.Context, batch []*models.GatewayEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return c.err
}

func (c *capturePublisher) events() []*models.GatewayEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []*models.GatewayEvent
	for _, b := range c.batches {
		all = append(all, b...)
	}
	return all
}

func TestRecorder_PublishesToEveryPublisher(t *testing.T) {
	primary := &capturePublisher{}
	failing := &capturePublisher{err: errors.New("kafka unavailable")}

	recorder := NewRecorder(zap.NewNop(), RecorderConfig{
		BufferSize:    16,
		WorkerCount:   1,
		BatchSize:     2,
		FlushInterval: 10 * time.Millisecond,
	}, primary, failing)
	require.NoError(t, recorder.Start())

	recorder.AttemptOutcome(models.AttemptOutcome{Provider: "a", Model: "gpt-4", Status: models.OutcomeTimeout})
	recorder.BreakerTransition(models.BreakerTransition{Provider: "a", Model: "gpt-4", From: models.BreakerClosed, To: models.BreakerOpen})
	recorder.Admission(models.AdmissionDecision{UserID: "u1", Model: "gpt-4", Approved: false, Shortfall: 2})

	require.NoError(t, recorder.Stop(time.Second))

	published := primary.events()
	require.Len(t, published, 3)
	assert.Len(t, failing.events(), 3)

	first := published[0]
	assert.Equal(t, models.EventAttemptOutcome, first.Type)
	require.NotNil(t, first.Provider)
	assert.Equal(t, "a", *first.Provider)

	var outcome models.AttemptOutcome
	require.NoError(t, json.Unmarshal(first.Payload, &outcome))
	assert.Equal(t, models.OutcomeTimeout, outcome.Status)

	assert.Nil(t, published[2].Provider)
	assert.Equal(t, models.EventAdmission, published[2].Type)
}

func TestRecorder_DropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	publisher := PublisherFunc(func(ctx context.Context, batch []*models.GatewayEvent) error {
		<-block
		return nil
	})

	recorder := NewRecorder(zap.NewNop(), RecorderConfig{
		BufferSize:    1,
		WorkerCount:   1,
		BatchSize:     1,
		FlushInterval: time.Hour,
	}, publisher)
	require.NoError(t, recorder.Start())

	for i := 0; i < 10; i++ {
		recorder.CatalogBuild(models.CatalogBuildSummary{Version: uint64(i)})
	}
	assert.Greater(t, recorder.Dropped(), int64(0))

	close(block)
	require.NoError(t, recorder.Stop(time.Second))
}

func TestRecorder_Lifecycle(t *testing.T) {
	recorder := NewRecorder(zap.NewNop(), DefaultRecorderConfig())

	assert.Error(t, recorder.Stop(time.Second))
	recorder.Invalidation(models.InvalidationOutcome{Providers: []string{"a"}})

	require.NoError(t, recorder.Start())
	assert.Error(t, recorder.Start())
	require.NoError(t, recorder.Stop(time.Second))

	// emitting after stop is a no-op rather than a panic
	recorder.Invalidation(models.InvalidationOutcome{Providers: []string{"a"}})
}

func TestRecorder_EmittersDoNotSerialize(t *testing.T) {
	publisher := &capturePublisher{}
	recorder := NewRecorder(zap.NewNop(), RecorderConfig{
		BufferSize:    64,
		WorkerCount:   1,
		BatchSize:     8,
		FlushInterval: 10 * time.Millisecond,
	}, publisher)
	require.NoError(t, recorder.Start())

	// an emitter still inside enqueue must not block the next one
	recorder.mu.RLock()
	done := make(chan struct{})
	go func() {
		recorder.AttemptOutcome(models.AttemptOutcome{Provider: "a", Model: "gpt-4", Status: models.OutcomeSuccess})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked behind another emitter")
	}
	recorder.mu.RUnlock()

	require.NoError(t, recorder.Stop(time.Second))
	assert.Len(t, publisher.events(), 1)
}

func TestRecorder_ConcurrentEmitAndStop(t *testing.T) {
	publisher := &capturePublisher{}
	recorder := NewRecorder(zap.NewNop(), RecorderConfig{
		BufferSize:    32,
		WorkerCount:   2,
		BatchSize:     4,
		FlushInterval: 5 * time.Millisecond,
	}, publisher)
	require.NoError(t, recorder.Start())

	const emitters, perEmitter = 16, 50
	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				recorder.AttemptOutcome(models.AttemptOutcome{Provider: "a", Model: "gpt-4", Status: models.OutcomeSuccess})
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, recorder.Stop(time.Second))
	wg.Wait()

	assert.LessOrEqual(t, int64(len(publisher.events()))+recorder.Dropped(), int64(emitters*perEmitter))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	provider := "openai"
	batch := []*models.GatewayEvent{
		{Type: models.EventAttemptOutcome, Provider: &provider, Payload: json.RawMessage(`{}`), Timestamp: time.Now()},
		{Type: models.EventCatalogBuild, Payload: json.RawMessage(`{}`), Timestamp: time.Now()},
	}

	t.Run("keys by provider", func(t *testing.T) {
		writer := &fakeWriter{}
		require.NoError(t, NewKafkaPublisher(writer).Publish(context.Background(), batch))

		require.Len(t, writer.msgs, 2)
		assert.Equal(t, "openai", string(writer.msgs[0].Key))
		assert.Equal(t, "catalog_build", string(writer.msgs[1].Key))
		assert.Equal(t, "event_type", writer.msgs[0].Headers[0].Key)
	})

	t.Run("writer error", func(t *testing.T) {
		writer := &fakeWriter{err: errors.New("broker down")}
		err := NewKafkaPublisher(writer).Publish(context.Background(), batch)
		assert.ErrorContains(t, err, "broker down")
	})
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewMetricsSink(reg)
	require.NoError(t, err)

	sink.AttemptOutcome(models.AttemptOutcome{Provider: "a", Model: "m", Status: models.OutcomeSuccess, Latency: time.Second})
	sink.AttemptOutcome(models.AttemptOutcome{Provider: "a", Model: "m", Status: models.OutcomeSuccess, Latency: time.Second})
	sink.BreakerTransition(models.BreakerTransition{Provider: "a", Model: "m", From: models.BreakerClosed, To: models.BreakerOpen})
	sink.CatalogBuild(models.CatalogBuildSummary{ProvidersMissing: []string{"x", "y"}, Degraded: true})
	sink.Admission(models.AdmissionDecision{Approved: false, Shortfall: 0.5})

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.attempts.WithLabelValues("a", "m", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.breakerOpen.WithLabelValues("a", "m")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.catalogMissing))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.admissions.WithLabelValues("denied")))

	_, err = NewMetricsSink(reg)
	assert.Error(t, err, "registering twice must fail")
}

type countingSink struct {
	Nop
	attempts int
}

func (c *countingSink) AttemptOutcome(models.AttemptOutcome) { c.attempts++ }

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	sink := Multi{a, b, NewLogSink(zap.NewNop())}

	sink.AttemptOutcome(models.AttemptOutcome{Provider: "p"})
	sink.CatalogBuild(models.CatalogBuildSummary{})

	assert.Equal(t, 1, a.attempts)
	assert.Equal(t, 1, b.attempts)
	assert.IsType(t, Nop{}, OrNop(nil))
}
