package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/providers"
)

func newTestAdapter(url string) *Adapter {
	return NewAdapter(models.Provider{
		Slug:     "acme",
		Priority: 10,
		Timeout:  2 * time.Second,
		BaseURL:  url + "/",
	}, "test-key")
}

func TestAdapter_ListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[
			{"id":"openai/gpt-4","name":"GPT-4","context_length":8192,
			 "pricing":{"prompt":"0.00003","completion":"0.00006"},
			 "supported_parameters":["tools","stream"],
			 "architecture":{"modality":"text+image->text"}},
			{"id":"mistral-7b","context_length":32000,"pricing":{"prompt":"free","completion":""}}
		]}`)
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)

	raw, err := adapter.ListModels(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, raw, 2)

	gpt := adapter.Normalize(raw[0])
	assert.Equal(t, "acme", gpt.Provider)
	assert.Equal(t, "openai/gpt-4", gpt.ProviderModelID)
	assert.Equal(t, "GPT-4", gpt.DisplayName)
	assert.Equal(t, 8192, gpt.ContextLength)
	assert.InDelta(t, 0.00003, gpt.Pricing.InputPerUnit, 1e-12)
	assert.InDelta(t, 0.00006, gpt.Pricing.OutputPerUnit, 1e-12)
	assert.True(t, gpt.Capabilities.FunctionCalling)
	assert.True(t, gpt.Capabilities.Streaming)
	assert.True(t, gpt.Capabilities.Vision)
	assert.Equal(t, 2*time.Second, gpt.Timeout)

	mistral := adapter.Normalize(raw[1])
	assert.Equal(t, "mistral-7b", mistral.DisplayName)
	assert.Equal(t, "text->text", mistral.Modality)
	assert.Zero(t, mistral.Pricing.InputPerUnit)
}

func TestAdapter_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "native-gpt-4", req.Model)
		require.NotNil(t, req.MaxTokens)
		assert.Equal(t, 64, *req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","created":1700000000,"model":"native-gpt-4",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`)
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL)
	req := &providers.ChatRequest{
		Model:     "gpt-4",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		MaxTokens: 64,
	}

	resp, err := adapter.Complete(context.Background(), req, "native-gpt-4", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "acme", resp.Provider)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
}

func TestAdapter_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		timeout  time.Duration
		wantKind providers.ErrorKind
		wantCode int
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			},
			timeout:  time.Second,
			wantKind: providers.KindRateLimited,
			wantCode: http.StatusTooManyRequests,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = io.WriteString(w, "upstream broke")
			},
			timeout:  time.Second,
			wantKind: providers.KindHTTPError,
			wantCode: http.StatusBadGateway,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout:  50 * time.Millisecond,
			wantKind: providers.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			adapter := newTestAdapter(server.URL)
			req := &providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "x"}}}

			_, err := adapter.Complete(context.Background(), req, "m", tt.timeout)
			require.Error(t, err)

			var provErr *providers.ProviderError
			require.True(t, errors.As(err, &provErr))
			assert.Equal(t, tt.wantKind, provErr.Kind)
			assert.Equal(t, "acme", provErr.Provider)
			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, provErr.StatusCode)
			}
		})
	}
}

func TestAdapter_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	adapter := newTestAdapter(url)
	_, err := adapter.ListModels(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, providers.KindNetworkError, providers.KindOf(err))
}

func TestAdapter_CallerCancellationIsNotAProviderFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	adapter := newTestAdapter(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := adapter.Complete(ctx, &providers.ChatRequest{}, "m", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	var provErr *providers.ProviderError
	assert.False(t, errors.As(err, &provErr))
}

func TestAdapter_EffectiveTimeoutCapsAtProviderTimeout(t *testing.T) {
	adapter := newTestAdapter("http://localhost")

	assert.Equal(t, 2*time.Second, adapter.effectiveTimeout(0))
	assert.Equal(t, 2*time.Second, adapter.effectiveTimeout(time.Minute))
	assert.Equal(t, 100*time.Millisecond, adapter.effectiveTimeout(100*time.Millisecond))
}
