package providers

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/upb/llm-gateway/models"
)

// ProviderFile is the on-disk provider registry
//
//	providers:
//	  - slug: openai
//	    display_name: OpenAI
//	    priority: 100
//	    timeout: 30s
//	    base_url: https://api.openai.com/v1
//	    api_key_env: OPENAI_API_KEY
//	    capabilities: {streaming: true, function_calling: true}
type ProviderFile struct {
	Providers []models.Provider `yaml:"providers"`
}

// LoadProviderFile reads and validates a provider registry file
func LoadProviderFile(path string) ([]models.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider file: %w", err)
	}
	return ParseProviderFile(data)
}

// ParseProviderFile decodes provider definitions and applies defaults
func ParseProviderFile(data []byte) ([]models.Provider, error) {
	var file ProviderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider file: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	for i := range file.Providers {
		p := &file.Providers[i]
		if p.Slug == "" {
			return nil, fmt.Errorf("provider %d: slug is required", i)
		}
		if seen[p.Slug] {
			return nil, fmt.Errorf("provider %s: duplicate slug", p.Slug)
		}
		seen[p.Slug] = true
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", p.Slug)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.Slug
		}
		if p.Timeout <= 0 {
			p.Timeout = 30 * time.Second
		}
	}
	return file.Providers, nil
}
