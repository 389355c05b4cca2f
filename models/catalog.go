package models

import "time"

// Pricing is the cost of one model variant. Units are provider-normalized tokens.
type Pricing struct {
	InputPerUnit  float64 `json:"input_per_unit"`
	OutputPerUnit float64 `json:"output_per_unit"`
	PerRequest    float64 `json:"per_request"`
}

// UnitCost is the comparison key used to pick the cheapest variant
func (p Pricing) UnitCost() float64 {
	return p.InputPerUnit + p.OutputPerUnit
}

// MaxCost is the worst-case cost of a request with the given input size and output bound
func (p Pricing) MaxCost(inputSize, outputBound int) float64 {
	return p.InputPerUnit*float64(inputSize) + p.OutputPerUnit*float64(outputBound) + p.PerRequest
}

// ModelVariant is one provider's offering of a canonical model
type ModelVariant struct {
	Provider        string        `json:"provider"`
	ProviderModelID string        `json:"provider_model_id"`
	CanonicalID     string        `json:"canonical_id"`
	DisplayName     string        `json:"display_name"`
	ContextLength   int           `json:"context_length"`
	Modality        string        `json:"modality"`
	Pricing         Pricing       `json:"pricing"`
	Capabilities    Capabilities  `json:"capabilities"`
	Timeout         time.Duration `json:"timeout"`
}

// CanonicalModel is a deduplicated model identity with its provider variants embedded
type CanonicalModel struct {
	ID              string         `json:"id"`
	DisplayName     string         `json:"display_name"`
	Variants        []ModelVariant `json:"variants"`
	CheapestVariant string         `json:"cheapest_variant"`
	FastestVariant  string         `json:"fastest_variant"`
}

// Variant returns the variant served by the given provider
func (m *CanonicalModel) Variant(provider string) (ModelVariant, bool) {
	for _, v := range m.Variants {
		if v.Provider == provider {
			return v, true
		}
	}
	return ModelVariant{}, false
}

// CatalogSnapshot is an immutable, versioned catalog produced by one aggregation run
type CatalogSnapshot struct {
	Version            uint64           `json:"version" db:"version"`
	BuiltAt            time.Time        `json:"built_at" db:"built_at"`
	TTL                time.Duration    `json:"ttl" db:"ttl"`
	Models             []CanonicalModel `json:"models"`
	ProvidersResponded []string         `json:"providers_responded"`
	ProvidersMissing   []string         `json:"providers_missing"`
	Degraded           bool             `json:"degraded" db:"degraded"`
}

// TableName returns the table name for durable snapshots
func (CatalogSnapshot) TableName() string {
	return "catalog_snapshots"
}

// Expired reports whether the snapshot is past its TTL at the given instant
func (s *CatalogSnapshot) Expired(now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.BuiltAt) >= s.TTL
}

// Model finds a canonical model by id. Models are sorted by id.
func (s *CatalogSnapshot) Model(id string) (*CanonicalModel, bool) {
	lo, hi := 0, len(s.Models)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.Models[mid].ID < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(s.Models) && s.Models[lo].ID == id {
		return &s.Models[lo], true
	}
	return nil, false
}

// HasProvider reports whether any variant in the snapshot is served by the provider
func (s *CatalogSnapshot) HasProvider(slug string) bool {
	for _, p := range s.ProvidersResponded {
		if p == slug {
			return true
		}
	}
	return false
}
