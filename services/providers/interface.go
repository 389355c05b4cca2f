package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-gateway/models"
)

// Adapter is the fixed capability interface every upstream provider implements.
// Adapters are resolved once at startup through the Registry.
type Adapter interface {
	// Info returns the provider's immutable configuration
	Info() models.Provider

	// ListModels fetches the provider's raw model listing
	ListModels(ctx context.Context, timeout time.Duration) ([]RawModel, error)

	// Normalize maps one raw listing entry to a variant. CanonicalID is filled by the aggregator.
	Normalize(raw RawModel) models.ModelVariant

	// Complete runs one chat completion against a provider-native model id
	Complete(ctx context.Context, req *ChatRequest, providerModelID string, timeout time.Duration) (*ChatResponse, error)
}

// RawModel is one entry of a provider model listing before normalization
type RawModel struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	ContextLength int               `json:"context_length"`
	Modality      string            `json:"modality"`
	Pricing       map[string]string `json:"pricing"`
	Capabilities  models.Capabilities
}

// ChatRequest represents a normalized chat completion request
type ChatRequest struct {
	Model       string            `json:"model" validate:"required"`
	Messages    []Message         `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int               `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Temperature float64           `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        float64           `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stop        []string          `json:"stop,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// InputSize estimates the prompt size in tokens (four characters per token)
func (r *ChatRequest) InputSize() int {
	chars := 0
	for _, m := range r.Messages {
		chars += len(m.Content) + len(m.Role)
	}
	return chars/4 + 1
}

// ChatResponse represents a normalized chat completion response
type ChatResponse struct {
	ID       string        `json:"id"`
	Model    string        `json:"model"`
	Choices  []Choice      `json:"choices"`
	Usage    Usage         `json:"usage"`
	Provider string        `json:"provider"`
	Latency  time.Duration `json:"latency"`
	Created  time.Time     `json:"created"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Cost prices the actual usage of a response
func (u Usage) Cost(p models.Pricing) float64 {
	return p.InputPerUnit*float64(u.PromptTokens) + p.OutputPerUnit*float64(u.CompletionTokens) + p.PerRequest
}

// ErrorKind classifies provider failures. Every kind moves dispatch to the next candidate.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindRateLimited  ErrorKind = "rate_limited"
	KindHTTPError    ErrorKind = "http_error"
	KindNetworkError ErrorKind = "network_error"
)

// Outcome maps a failure kind to the health outcome it records
func (k ErrorKind) Outcome() models.OutcomeStatus {
	switch k {
	case KindTimeout:
		return models.OutcomeTimeout
	case KindRateLimited:
		return models.OutcomeRateLimited
	case KindNetworkError:
		return models.OutcomeNetworkError
	default:
		return models.OutcomeError
	}
}

// ProviderError represents a typed failure from a provider
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider string, kind ErrorKind, code, message string, statusCode int, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       kind,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  kind != KindHTTPError || statusCode >= 500,
		Cause:      cause,
	}
}

// KindOf classifies any error returned by an adapter. Untyped errors count as network errors,
// deadline errors as timeouts.
func KindOf(err error) ErrorKind {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetworkError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
