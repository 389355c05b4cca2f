package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/providers"
)

// Adapter speaks the OpenAI-compatible REST dialect (/models, /chat/completions).
// Most aggregators and self-hosted servers expose it, so one adapter covers many providers.
type Adapter struct {
	info       models.Provider
	apiKey     string
	httpClient *http.Client
}

// NewAdapter creates an adapter for one provider definition
func NewAdapter(info models.Provider, apiKey string) *Adapter {
	if info.Timeout == 0 {
		info.Timeout = 30 * time.Second
	}
	info.BaseURL = strings.TrimRight(info.BaseURL, "/")

	return &Adapter{
		info:   info,
		apiKey: apiKey,
		// per-call deadlines come from the context
		httpClient: &http.Client{},
	}
}

// Info returns the provider configuration
func (a *Adapter) Info() models.Provider {
	return a.info
}

// ListModels fetches GET {base}/models
func (a *Adapter) ListModels(ctx context.Context, timeout time.Duration) ([]providers.RawModel, error) {
	ctx, cancel := context.WithTimeout(ctx, a.effectiveTimeout(timeout))
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.info.BaseURL+"/models", nil)
	if err != nil {
		return nil, providers.NewProviderError(a.info.Slug, providers.KindNetworkError, "REQUEST_ERROR", "failed to create request", 0, err)
	}
	a.setHeaders(httpReq)

	body, err := a.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	var listing modelsResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, providers.NewProviderError(a.info.Slug, providers.KindHTTPError, "UNMARSHAL_ERROR", "failed to decode model listing", http.StatusOK, err)
	}

	raw := make([]providers.RawModel, 0, len(listing.Data))
	for _, m := range listing.Data {
		raw = append(raw, providers.RawModel{
			ID:            m.ID,
			Name:          m.Name,
			ContextLength: m.ContextLength,
			Modality:      m.Architecture.Modality,
			Pricing: map[string]string{
				"prompt":     m.Pricing.Prompt,
				"completion": m.Pricing.Completion,
				"request":    m.Pricing.Request,
			},
			Capabilities: capabilitiesFromParams(m.SupportedParameters, m.Architecture.Modality),
		})
	}
	return raw, nil
}

// Normalize maps a listing entry to a variant carrying this provider's pricing and timeout
func (a *Adapter) Normalize(raw providers.RawModel) models.ModelVariant {
	name := raw.Name
	if name == "" {
		name = raw.ID
	}
	modality := raw.Modality
	if modality == "" {
		modality = "text->text"
	}

	caps := raw.Capabilities
	caps.Streaming = caps.Streaming || a.info.Capabilities.Streaming

	return models.ModelVariant{
		Provider:        a.info.Slug,
		ProviderModelID: raw.ID,
		DisplayName:     name,
		ContextLength:   raw.ContextLength,
		Modality:        modality,
		Pricing: models.Pricing{
			InputPerUnit:  parsePrice(raw.Pricing["prompt"]),
			OutputPerUnit: parsePrice(raw.Pricing["completion"]),
			PerRequest:    parsePrice(raw.Pricing["request"]),
		},
		Capabilities: caps,
		Timeout:      a.info.Timeout,
	}
}

// Complete posts one chat completion. It never retries; failover belongs to the dispatcher.
func (a *Adapter) Complete(ctx context.Context, req *providers.ChatRequest, providerModelID string, timeout time.Duration) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.effectiveTimeout(timeout))
	defer cancel()

	reqBody, err := json.Marshal(buildChatRequest(req, providerModelID))
	if err != nil {
		return nil, providers.NewProviderError(a.info.Slug, providers.KindHTTPError, "MARSHAL_ERROR", "failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.info.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(a.info.Slug, providers.KindNetworkError, "REQUEST_ERROR", "failed to create request", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.setHeaders(httpReq)

	body, err := a.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, providers.NewProviderError(a.info.Slug, providers.KindHTTPError, "UNMARSHAL_ERROR", "failed to decode response", http.StatusOK, err)
	}

	return a.convertResponse(&chatResp, time.Since(startTime)), nil
}

func (a *Adapter) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 || timeout > a.info.Timeout {
		return a.info.Timeout
	}
	return timeout
}

func (a *Adapter) setHeaders(r *http.Request) {
	r.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
}

// do executes the request and classifies every failure into a provider error kind
func (a *Adapter) do(ctx context.Context, r *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(r)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, a.handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func (a *Adapter) transportError(ctx context.Context, err error) error {
	// the caller's own cancellation is passed through untouched
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return providers.NewProviderError(a.info.Slug, providers.KindTimeout, "TIMEOUT", "request timed out", 0, err)
	}
	return providers.NewProviderError(a.info.Slug, providers.KindNetworkError, "NETWORK_ERROR", "request failed", 0, err)
}

func (a *Adapter) handleErrorResponse(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	code := "HTTP_" + strconv.Itoa(statusCode)

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		if errResp.Error.Type != "" {
			code = errResp.Error.Type
		}
	}

	kind := providers.KindHTTPError
	if statusCode == http.StatusTooManyRequests {
		kind = providers.KindRateLimited
	}
	return providers.NewProviderError(a.info.Slug, kind, code, message, statusCode, nil)
}

func (a *Adapter) convertResponse(r *chatResponse, latency time.Duration) *providers.ChatResponse {
	resp := &providers.ChatResponse{
		ID:       r.ID,
		Model:    r.Model,
		Provider: a.info.Slug,
		Choices:  make([]providers.Choice, len(r.Choices)),
		Usage: providers.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
		Latency: latency,
		Created: time.Unix(r.Created, 0),
	}
	for i, choice := range r.Choices {
		resp.Choices[i] = providers.Choice{
			Index: choice.Index,
			Message: providers.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
				Name:    choice.Message.Name,
			},
			FinishReason: choice.FinishReason,
		}
	}
	return resp
}

func buildChatRequest(req *providers.ChatRequest, model string) *chatRequest {
	out := &chatRequest{
		Model:    model,
		Messages: make([]message, len(req.Messages)),
		Stop:     req.Stop,
	}
	for i, msg := range req.Messages {
		out.Messages[i] = message{Role: msg.Role, Content: msg.Content, Name: msg.Name}
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		out.TopP = &req.TopP
	}
	if req.User != "" {
		out.User = &req.User
	}
	return out
}

func capabilitiesFromParams(params []string, modality string) models.Capabilities {
	var caps models.Capabilities
	for _, p := range params {
		switch p {
		case "tools", "functions", "tool_choice":
			caps.FunctionCalling = true
		case "stream":
			caps.Streaming = true
		}
	}
	caps.Vision = strings.Contains(modality, "image")
	return caps
}

// parsePrice reads a per-unit price string; blanks and garbage price at zero
func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

type modelsResponse struct {
	Data []listedModel `json:"data"`
}

type listedModel struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	ContextLength       int      `json:"context_length"`
	SupportedParameters []string `json:"supported_parameters,omitempty"`
	Pricing             struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
		Request    string `json:"request,omitempty"`
	} `json:"pricing"`
	Architecture struct {
		Modality string `json:"modality,omitempty"`
	} `json:"architecture"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	User        *string   `json:"user,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

var _ providers.Adapter = (*Adapter)(nil)

// String identifies the adapter in logs
func (a *Adapter) String() string {
	return fmt.Sprintf("openai-compatible(%s)", a.info.Slug)
}
