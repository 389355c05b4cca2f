package catalogcache

import (
	"sort"
	"strings"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/catalog"
)

// Capabilities a catalog view can be filtered by
var Capabilities = []string{"streaming", "function_calling", "vision"}

// Filter narrows a catalog view. Zero values match everything.
type Filter struct {
	Provider   string `json:"provider,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// Normalize folds aliases and case so equivalent filters share a cache key
func (f Filter) Normalize() Filter {
	f.Provider = strings.ToLower(strings.TrimSpace(f.Provider))
	f.Capability = strings.ToLower(strings.TrimSpace(f.Capability))
	if f.Capability == "tools" {
		f.Capability = "function_calling"
	}
	return f
}

// viewKey identifies one request shape in both cache tiers
func viewKey(f Filter, dedup bool) string {
	d := "0"
	if dedup {
		d = "1"
	}
	return "view:p=" + f.Provider + ":c=" + f.Capability + ":d=" + d
}

// viewKeysFor lists every view key whose content depends on the given provider.
// Views without a provider filter are always included.
func viewKeysFor(providers []string) []string {
	scopes := append([]string{""}, providers...)
	caps := append([]string{""}, Capabilities...)

	keys := make([]string, 0, len(scopes)*len(caps)*2)
	for _, p := range scopes {
		for _, c := range caps {
			for _, dedup := range []bool{true, false} {
				keys = append(keys, viewKey(Filter{Provider: p, Capability: c}, dedup))
			}
		}
	}
	return keys
}

// BuildView derives a filtered snapshot that shares the source's version and metadata.
// Without dedup every variant becomes its own entry, keyed provider/provider_model_id.
func BuildView(snapshot *models.CatalogSnapshot, f Filter, dedup bool) *models.CatalogSnapshot {
	view := &models.CatalogSnapshot{
		Version:            snapshot.Version,
		BuiltAt:            snapshot.BuiltAt,
		TTL:                snapshot.TTL,
		ProvidersResponded: snapshot.ProvidersResponded,
		ProvidersMissing:   snapshot.ProvidersMissing,
		Degraded:           snapshot.Degraded,
	}

	keep := func(v models.ModelVariant) bool {
		if f.Provider != "" && v.Provider != f.Provider {
			return false
		}
		return f.Capability == "" || v.Capabilities.Has(f.Capability)
	}

	for _, m := range snapshot.Models {
		var variants []models.ModelVariant
		for _, v := range m.Variants {
			if keep(v) {
				variants = append(variants, v)
			}
		}
		if len(variants) == 0 {
			continue
		}

		if dedup {
			model := m
			model.Variants = variants
			if len(variants) != len(m.Variants) {
				model.CheapestVariant = catalog.Cheapest(variants)
				model.FastestVariant = catalog.Fastest(variants)
			}
			view.Models = append(view.Models, model)
			continue
		}

		for _, v := range variants {
			view.Models = append(view.Models, models.CanonicalModel{
				ID:              v.Provider + "/" + v.ProviderModelID,
				DisplayName:     v.DisplayName,
				Variants:        []models.ModelVariant{v},
				CheapestVariant: v.Provider,
				FastestVariant:  v.Provider,
			})
		}
	}

	if !dedup {
		sort.Slice(view.Models, func(i, j int) bool { return view.Models[i].ID < view.Models[j].ID })
	}
	return view
}
