package events

import (
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

// LogSink writes events as structured log lines
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by the given logger
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) AttemptOutcome(e models.AttemptOutcome) {
	fields := []zap.Field{
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.Duration("latency", e.Latency),
		zap.String("status", string(e.Status)),
	}
	if e.Status == models.OutcomeSuccess {
		s.logger.Debug("provider attempt", fields...)
		return
	}
	s.logger.Info("provider attempt failed", append(fields, zap.String("detail", e.Detail))...)
}

func (s *LogSink) BreakerTransition(e models.BreakerTransition) {
	s.logger.Warn("circuit breaker transition",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("old_state", string(e.From)),
		zap.String("new_state", string(e.To)))
}

func (s *LogSink) CatalogBuild(e models.CatalogBuildSummary) {
	fields := []zap.Field{
		zap.Uint64("version", e.Version),
		zap.Int("providers_responded", len(e.ProvidersResponded)),
		zap.Strings("providers_missing", e.ProvidersMissing),
		zap.Duration("duration", e.Duration),
		zap.Int("models", e.ModelCount),
		zap.Bool("degraded", e.Degraded),
	}
	if e.Degraded {
		s.logger.Warn("catalog degraded", fields...)
		return
	}
	s.logger.Info("catalog built", fields...)
}

func (s *LogSink) Admission(e models.AdmissionDecision) {
	s.logger.Debug("admission decision",
		zap.String("user_id", e.UserID),
		zap.String("request_id", e.RequestID),
		zap.String("model", e.Model),
		zap.Bool("approved", e.Approved),
		zap.Float64("max_cost", e.MaxCost),
		zap.Float64("shortfall", e.Shortfall))
}

func (s *LogSink) Invalidation(e models.InvalidationOutcome) {
	if e.Error != "" {
		s.logger.Error("cache invalidation failed",
			zap.Strings("providers", e.Providers),
			zap.String("error", e.Error))
		return
	}
	s.logger.Info("cache invalidated",
		zap.Strings("providers", e.Providers),
		zap.Int("keys", e.Keys))
}
