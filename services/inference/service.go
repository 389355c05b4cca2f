// Package inference sequences one chat completion: admission, dispatch, then settlement.
package inference

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/catalog"
	"github.com/upb/llm-gateway/services/credits"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/routing"
)

// Dispatcher resolves canonical models and runs requests against their variants
type Dispatcher interface {
	Resolve(ctx context.Context, canonicalID string) (*models.CanonicalModel, error)
	DispatchModel(ctx context.Context, model *models.CanonicalModel, req *providers.ChatRequest, perAttemptTimeout time.Duration) (*routing.DispatchResult, error)
}

// Admission reserves and closes credit holds
type Admission interface {
	Reserve(ctx context.Context, in credits.ReserveInput) (*models.CreditReservation, error)
	Settle(ctx context.Context, res *models.CreditReservation, actualCost float64) error
	Release(ctx context.Context, res *models.CreditReservation) error
}

// Config holds orchestration settings
type Config struct {
	DefaultOutputBound int           // used when the request has no max_tokens
	AttemptTimeout     time.Duration // per provider attempt
	SettleTimeout      time.Duration // bound on settle/release after the caller is gone
}

// DefaultConfig returns the default orchestration settings
func DefaultConfig() Config {
	return Config{
		DefaultOutputBound: 1024,
		AttemptTimeout:     30 * time.Second,
		SettleTimeout:      5 * time.Second,
	}
}

// CompletionRequest is an authenticated chat completion request
type CompletionRequest struct {
	UserID      string
	RequestID   string
	Model       string
	Messages    []providers.Message
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// CompletionResponse is the served completion with its billing outcome
type CompletionResponse struct {
	ID              uuid.UUID          `json:"id"`
	RequestID       string             `json:"request_id"`
	Model           string             `json:"model"`
	Provider        string             `json:"provider"`
	ProviderModelID string             `json:"provider_model_id"`
	Choices         []providers.Choice `json:"choices"`
	Usage           providers.Usage    `json:"usage"`
	Cost            float64            `json:"cost"`
	Reserved        float64            `json:"reserved"`
	LatencyMs       int64              `json:"latency_ms"`
	FailedAttempts  []routing.Attempt  `json:"failed_attempts,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Service orchestrates the inference pipeline
type Service struct {
	dispatcher Dispatcher
	admission  Admission
	config     Config
	logger     *zap.Logger
}

// NewService creates a new inference service
func NewService(dispatcher Dispatcher, admission Admission, config Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if config.DefaultOutputBound <= 0 {
		config.DefaultOutputBound = def.DefaultOutputBound
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = def.SettleTimeout
	}
	return &Service{
		dispatcher: dispatcher,
		admission:  admission,
		config:     config,
		logger:     logger,
	}
}

// ProcessChatCompletion reserves the worst-case cost, dispatches, then settles the actual
// cost. Any failure after admission, caller cancellation included, releases the hold.
func (s *Service) ProcessChatCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req.UserID == "" {
		return nil, services.ErrUnauthorized
	}
	if len(req.Messages) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "messages must not be empty", nil).
			WithDetail("field", "messages")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	canonicalID := catalog.RequestedID(req.Model)
	if canonicalID == "" {
		return nil, services.ErrInvalidModel
	}

	model, err := s.dispatcher.Resolve(ctx, canonicalID)
	if err != nil {
		return nil, err
	}

	chatReq := &providers.ChatRequest{
		Model:       canonicalID,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		User:        req.UserID,
	}
	if chatReq.MaxTokens <= 0 {
		chatReq.MaxTokens = s.config.DefaultOutputBound
	}

	reservation, err := s.admission.Reserve(ctx, credits.ReserveInput{
		UserID:      req.UserID,
		RequestID:   req.RequestID,
		Model:       canonicalID,
		Pricing:     worstCasePricing(model.Variants),
		OutputBound: chatReq.MaxTokens,
		InputSize:   chatReq.InputSize(),
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.dispatcher.DispatchModel(ctx, model, chatReq, s.config.AttemptTimeout)
	if err != nil {
		s.release(ctx, reservation, err)
		return nil, err
	}

	resp := result.Response
	cost := resp.Usage.Cost(result.Variant.Pricing)
	s.settle(ctx, reservation, cost)

	s.logger.Info("chat completion served",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("model", canonicalID),
		zap.String("provider", result.Variant.Provider),
		zap.Int("failed_attempts", len(result.Attempts)),
		zap.Float64("cost", cost),
		zap.Duration("duration", time.Since(start)))

	return &CompletionResponse{
		ID:              uuid.New(),
		RequestID:       req.RequestID,
		Model:           canonicalID,
		Provider:        result.Variant.Provider,
		ProviderModelID: result.Variant.ProviderModelID,
		Choices:         resp.Choices,
		Usage:           resp.Usage,
		Cost:            cost,
		Reserved:        reservation.Amount,
		LatencyMs:       resp.Latency.Milliseconds(),
		FailedAttempts:  result.Attempts,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// settle and release run detached from the caller so a disconnect cannot leak a hold
func (s *Service) settle(ctx context.Context, res *models.CreditReservation, cost float64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SettleTimeout)
	defer cancel()

	if err := s.admission.Settle(ctx, res, cost); err != nil {
		s.logger.Error("failed to settle reservation",
			zap.String("reservation_id", res.ID.String()),
			zap.Float64("cost", cost),
			zap.Error(err))
	}
}

func (s *Service) release(ctx context.Context, res *models.CreditReservation, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SettleTimeout)
	defer cancel()

	if err := s.admission.Release(ctx, res); err != nil {
		s.logger.Error("failed to release reservation",
			zap.String("reservation_id", res.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.logger.Debug("reservation released",
		zap.String("reservation_id", res.ID.String()),
		zap.NamedError("cause", cause))
}

// worstCasePricing takes the highest rate of each kind across the variants, so the hold
// covers whichever variant ends up serving the request
func worstCasePricing(variants []models.ModelVariant) models.Pricing {
	var p models.Pricing
	for _, v := range variants {
		p.InputPerUnit = max(p.InputPerUnit, v.Pricing.InputPerUnit)
		p.OutputPerUnit = max(p.OutputPerUnit, v.Pricing.OutputPerUnit)
		p.PerRequest = max(p.PerRequest, v.Pricing.PerRequest)
	}
	return p
}
