package models

import (
	"sort"
	"time"
)

// Capabilities are feature flags shared by providers and model variants
type Capabilities struct {
	Streaming       bool `json:"streaming" yaml:"streaming"`
	FunctionCalling bool `json:"function_calling" yaml:"function_calling"`
	Vision          bool `json:"vision" yaml:"vision"`
}

// Has reports whether the named capability is set. Unknown names are never set.
func (c Capabilities) Has(name string) bool {
	switch name {
	case "streaming":
		return c.Streaming
	case "function_calling", "tools":
		return c.FunctionCalling
	case "vision":
		return c.Vision
	default:
		return false
	}
}

// Provider is the immutable configuration of one upstream model-serving provider
type Provider struct {
	Slug         string        `json:"slug" yaml:"slug" validate:"required"`
	DisplayName  string        `json:"display_name" yaml:"display_name"`
	Priority     int           `json:"priority" yaml:"priority"` // higher wins display-name conflicts
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	BaseURL      string        `json:"base_url" yaml:"base_url" validate:"required,url"`
	APIKeyEnv    string        `json:"-" yaml:"api_key_env"`
	Capabilities Capabilities  `json:"capabilities" yaml:"capabilities"`
}

// SortByPriority orders providers by descending priority, then slug
func SortByPriority(providers []Provider) {
	sort.SliceStable(providers, func(i, j int) bool {
		if providers[i].Priority != providers[j].Priority {
			return providers[i].Priority > providers[j].Priority
		}
		return providers[i].Slug < providers[j].Slug
	})
}
