package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/services/inference"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/routing"
	"github.com/upb/llm-gateway/utils"
)

// ChatCompletionRequest represents an OpenAI-compatible chat completion request
type ChatCompletionRequest struct {
	Model       string        `json:"model" validate:"required"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	TopP        *float64      `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty" validate:"max=4"`
	User        string        `json:"user,omitempty"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content" validate:"required"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionResponse represents an OpenAI-compatible chat completion response with
// the gateway's routing and billing outcome attached
type ChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []providers.Choice `json:"choices"`
	Usage   providers.Usage    `json:"usage"`
	Gateway GatewayInfo        `json:"gateway"`
}

// GatewayInfo reports which variant served the request and what it cost
type GatewayInfo struct {
	RequestID       string            `json:"request_id"`
	Provider        string            `json:"provider"`
	ProviderModelID string            `json:"provider_model_id"`
	Cost            float64           `json:"cost"`
	Reserved        float64           `json:"reserved"`
	LatencyMs       int64             `json:"latency_ms"`
	FailedAttempts  []routing.Attempt `json:"failed_attempts,omitempty"`
}

// InferenceService defines the interface for inference operations
type InferenceService interface {
	ProcessChatCompletion(ctx context.Context, req *inference.CompletionRequest) (*inference.CompletionResponse, error)
}

// InferenceHandler handles inference-related HTTP requests
type InferenceHandler struct {
	service InferenceService
	logger  *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler
func NewInferenceHandler(service InferenceService, logger *zap.Logger) *InferenceHandler {
	return &InferenceHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChatCompletion handles POST /api/v1/chat/completions
func (h *InferenceHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	userID := middleware.GetUserIDFromContext(ctx)
	if userID == "" {
		h.logger.Error("missing user in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var chatReq ChatCompletionRequest
	if err := utils.DecodeJSON(r, &chatReq); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&chatReq); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}
	if chatReq.Stream {
		_ = utils.WriteBadRequest(w, "Streaming responses are not supported", nil)
		return
	}

	serviceReq := &inference.CompletionRequest{
		UserID:    userID,
		RequestID: requestID,
		Model:     chatReq.Model,
		Messages:  make([]providers.Message, 0, len(chatReq.Messages)),
		Stop:      chatReq.Stop,
	}
	for _, m := range chatReq.Messages {
		serviceReq.Messages = append(serviceReq.Messages, providers.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	if chatReq.MaxTokens != nil {
		serviceReq.MaxTokens = *chatReq.MaxTokens
	}
	if chatReq.Temperature != nil {
		serviceReq.Temperature = *chatReq.Temperature
	}
	if chatReq.TopP != nil {
		serviceReq.TopP = *chatReq.TopP
	}

	h.logger.Debug("processing chat completion",
		zap.String("request_id", requestID),
		zap.String("user_id", userID),
		zap.String("model", chatReq.Model))

	result, err := h.service.ProcessChatCompletion(ctx, serviceReq)
	if err != nil {
		h.logger.Warn("chat completion failed",
			zap.String("request_id", requestID),
			zap.String("model", chatReq.Model),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	response := ChatCompletionResponse{
		ID:      result.ID.String(),
		Object:  "chat.completion",
		Created: result.CreatedAt.Unix(),
		Model:   result.Model,
		Choices: result.Choices,
		Usage:   result.Usage,
		Gateway: GatewayInfo{
			RequestID:       result.RequestID,
			Provider:        result.Provider,
			ProviderModelID: result.ProviderModelID,
			Cost:            result.Cost,
			Reserved:        result.Reserved,
			LatencyMs:       result.LatencyMs,
			FailedAttempts:  result.FailedAttempts,
		},
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
