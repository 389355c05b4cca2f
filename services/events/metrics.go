package events

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/upb/llm-gateway/models"
)

// MetricsSink exports core events as Prometheus series
type MetricsSink struct {
	attempts        *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	breakerChanges  *prometheus.CounterVec
	breakerOpen     *prometheus.GaugeVec
	catalogBuilds   *prometheus.CounterVec
	catalogDuration prometheus.Histogram
	catalogMissing  prometheus.Gauge
	admissions      *prometheus.CounterVec
	shortfall       prometheus.Histogram
	invalidations   *prometheus.CounterVec
}

// NewMetricsSink creates the collectors and registers them on reg
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	m := &MetricsSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_attempts_total",
			Help: "Provider attempts by outcome status",
		}, []string{"provider", "model", "status"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_attempt_duration_seconds",
			Help:    "Provider attempt latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Circuit breaker transitions",
		}, []string{"provider", "from", "to"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_open",
			Help: "1 while the (provider, model) breaker is open",
		}, []string{"provider", "model"}),
		catalogBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_catalog_builds_total",
			Help: "Catalog builds by degraded flag",
		}, []string{"degraded"}),
		catalogDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_catalog_build_duration_seconds",
			Help:    "Catalog build duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		catalogMissing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_catalog_providers_missing",
			Help: "Providers missing from the latest catalog build",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_decisions_total",
			Help: "Credit admission decisions",
		}, []string{"decision"}),
		shortfall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_admission_shortfall",
			Help:    "Credit shortfall of denied requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 10, 7),
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_invalidations_total",
			Help: "Background cache invalidations by result",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.attempts, m.attemptLatency, m.breakerChanges, m.breakerOpen,
		m.catalogBuilds, m.catalogDuration, m.catalogMissing,
		m.admissions, m.shortfall, m.invalidations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsSink) AttemptOutcome(e models.AttemptOutcome) {
	m.attempts.WithLabelValues(e.Provider, e.Model, string(e.Status)).Inc()
	m.attemptLatency.WithLabelValues(e.Provider).Observe(e.Latency.Seconds())
}

func (m *MetricsSink) BreakerTransition(e models.BreakerTransition) {
	m.breakerChanges.WithLabelValues(e.Provider, string(e.From), string(e.To)).Inc()
	open := 0.0
	if e.To == models.BreakerOpen {
		open = 1
	}
	m.breakerOpen.WithLabelValues(e.Provider, e.Model).Set(open)
}

func (m *MetricsSink) CatalogBuild(e models.CatalogBuildSummary) {
	degraded := "false"
	if e.Degraded {
		degraded = "true"
	}
	m.catalogBuilds.WithLabelValues(degraded).Inc()
	m.catalogDuration.Observe(e.Duration.Seconds())
	m.catalogMissing.Set(float64(len(e.ProvidersMissing)))
}

func (m *MetricsSink) Admission(e models.AdmissionDecision) {
	if e.Approved {
		m.admissions.WithLabelValues("approved").Inc()
		return
	}
	m.admissions.WithLabelValues("denied").Inc()
	m.shortfall.Observe(e.Shortfall)
}

func (m *MetricsSink) Invalidation(e models.InvalidationOutcome) {
	if e.Error != "" {
		m.invalidations.WithLabelValues("error").Inc()
		return
	}
	m.invalidations.WithLabelValues("ok").Inc()
}
