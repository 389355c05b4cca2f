// Package providerstest provides a scriptable in-memory adapter for tests.
package providerstest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/providers"
)

// Fake is an adapter whose listing and completion results are set by the test
type Fake struct {
	info models.Provider

	mu          sync.Mutex
	listing     []providers.RawModel
	listErr     error
	listDelay   time.Duration
	completeFn  func(ctx context.Context, model string) (*providers.ChatResponse, error)
	pricing     map[string]models.Pricing
	listCalls   atomic.Int64
	completions atomic.Int64
}

// New creates a fake provider with the given slug and priority
func New(slug string, priority int) *Fake {
	return &Fake{
		info: models.Provider{
			Slug:        slug,
			DisplayName: slug,
			Priority:    priority,
			Timeout:     time.Second,
			BaseURL:     "http://" + slug + ".test",
		},
		pricing: make(map[string]models.Pricing),
	}
}

// WithModels sets the listing returned by ListModels
func (f *Fake) WithModels(ids ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing = f.listing[:0]
	for _, id := range ids {
		f.listing = append(f.listing, providers.RawModel{ID: id, Name: id, ContextLength: 8192})
	}
	return f
}

// WithPricing sets the normalized pricing for one provider model id
func (f *Fake) WithPricing(id string, p models.Pricing) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pricing[id] = p
	return f
}

// WithTimeout sets the provider base timeout
func (f *Fake) WithTimeout(d time.Duration) *Fake {
	f.info.Timeout = d
	return f
}

// FailListing makes ListModels return err
func (f *Fake) FailListing(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
	return f
}

// SlowListing delays ListModels by d, honoring the context
func (f *Fake) SlowListing(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listDelay = d
	return f
}

// OnComplete scripts Complete
func (f *Fake) OnComplete(fn func(ctx context.Context, model string) (*providers.ChatResponse, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeFn = fn
	return f
}

// Succeed scripts Complete to return a fixed response with the given usage
func (f *Fake) Succeed(promptTokens, completionTokens int) *Fake {
	return f.OnComplete(func(ctx context.Context, model string) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			ID:       "resp-" + f.info.Slug,
			Model:    model,
			Provider: f.info.Slug,
			Choices:  []providers.Choice{{Message: providers.Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"}},
			Usage: providers.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		}, nil
	})
}

// Fail scripts Complete to return a provider error of the given kind
func (f *Fake) Fail(kind providers.ErrorKind) *Fake {
	return f.OnComplete(func(ctx context.Context, model string) (*providers.ChatResponse, error) {
		return nil, providers.NewProviderError(f.info.Slug, kind, string(kind), "scripted failure", 0, nil)
	})
}

// ListCalls returns how many times ListModels ran
func (f *Fake) ListCalls() int64 { return f.listCalls.Load() }

// Completions returns how many times Complete ran
func (f *Fake) Completions() int64 { return f.completions.Load() }

// Info implements providers.Adapter
func (f *Fake) Info() models.Provider { return f.info }

// ListModels implements providers.Adapter
func (f *Fake) ListModels(ctx context.Context, timeout time.Duration) ([]providers.RawModel, error) {
	f.listCalls.Add(1)

	f.mu.Lock()
	delay, err := f.listDelay, f.listErr
	listing := append([]providers.RawModel(nil), f.listing...)
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, providers.NewProviderError(f.info.Slug, providers.KindTimeout, "TIMEOUT", "listing timed out", 0, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Normalize implements providers.Adapter
func (f *Fake) Normalize(raw providers.RawModel) models.ModelVariant {
	f.mu.Lock()
	pricing := f.pricing[raw.ID]
	f.mu.Unlock()

	return models.ModelVariant{
		Provider:        f.info.Slug,
		ProviderModelID: raw.ID,
		DisplayName:     raw.Name,
		ContextLength:   raw.ContextLength,
		Modality:        "text->text",
		Pricing:         pricing,
		Capabilities:    raw.Capabilities,
		Timeout:         f.info.Timeout,
	}
}

// Complete implements providers.Adapter
func (f *Fake) Complete(ctx context.Context, req *providers.ChatRequest, providerModelID string, timeout time.Duration) (*providers.ChatResponse, error) {
	f.completions.Add(1)

	f.mu.Lock()
	fn := f.completeFn
	f.mu.Unlock()

	if fn == nil {
		return nil, providers.NewProviderError(f.info.Slug, providers.KindHTTPError, "UNSCRIPTED", "no completion scripted", 501, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx, providerModelID)
}

var _ providers.Adapter = (*Fake)(nil)
