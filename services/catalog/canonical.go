package catalog

import (
	"strings"
	"unicode"
)

// CanonicalID folds a model name into its dedup key: lower case, with every run of
// separators collapsed into a single dash. "gpt 4", "gpt-4" and "GPT_4" all map to "gpt-4".
func CanonicalID(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	pendingSep := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// RequestedID maps a model name as a client sends it to a catalog id. A vendor namespace
// is dropped the same way it is for listings, so "openai/gpt-4" asks for "gpt-4".
func RequestedID(name string) string {
	return CanonicalID(modelName(strings.TrimSpace(name)))
}

// modelName strips a vendor namespace such as "openai/" from a provider-native id
func modelName(providerModelID string) string {
	if i := strings.LastIndexByte(providerModelID, '/'); i >= 0 && i < len(providerModelID)-1 {
		return providerModelID[i+1:]
	}
	return providerModelID
}
