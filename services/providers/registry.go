package providers

import (
	"errors"
	"sync"

	"github.com/upb/llm-gateway/models"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry maps provider slug to adapter
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register registers an adapter under its slug
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}

	slug := adapter.Info().Slug
	if slug == "" {
		return errors.New("provider slug cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[slug]; exists {
		return ErrProviderAlreadyRegistered
	}
	r.adapters[slug] = adapter
	return nil
}

// Get retrieves an adapter by slug
func (r *Registry) Get(slug string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[slug]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}

// Adapters returns every adapter in priority order
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	infos := make([]models.Provider, 0, len(r.adapters))
	for _, a := range r.adapters {
		infos = append(infos, a.Info())
	}
	r.mu.RUnlock()

	models.SortByPriority(infos)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(infos))
	for _, info := range infos {
		if a, ok := r.adapters[info.Slug]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Slugs returns all registered slugs in priority order
func (r *Registry) Slugs() []string {
	adapters := r.Adapters()
	slugs := make([]string, len(adapters))
	for i, a := range adapters {
		slugs[i] = a.Info().Slug
	}
	return slugs
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
