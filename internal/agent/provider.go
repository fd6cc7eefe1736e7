package agent

import (
	"fmt"
	"sort"
	"strings"
)

// Model is a resolved model selection.
type Model struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	APIKey   string `json:"apiKey"`
}

type providerConfig struct {
	model  string
	envKey string
	label  string
}

var providers = map[string]providerConfig{
	"anthropic": {model: "anthropic/claude-3-5-sonnet-20241022", envKey: "ANTHROPIC_API_KEY", label: "Anthropic Claude"},
	"google":    {model: "gemini/gemini-2.0-flash", envKey: "GOOGLE_API_KEY", label: "Google Gemini"},
}

// Keys holds the server-side API keys per provider plus a generic fallback.
type Keys struct {
	Anthropic string
	Google    string
	Fallback  string
}

func (k Keys) forProvider(provider string) string {
	switch provider {
	case "anthropic":
		return k.Anthropic
	case "google":
		return k.Google
	}
	return ""
}

// ModelName returns the model used for provider, or "" if unknown.
func ModelName(provider string) string {
	return providers[strings.ToLower(provider)].model
}

// ResolveModel picks the model for provider, taking the API key from the
// request first, then the provider key, then the fallback key.
func ResolveModel(provider, requestKey string, keys Keys) (Model, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	cfg, ok := providers[provider]
	if !ok {
		names := make([]string, 0, len(providers))
		for name := range providers {
			names = append(names, name)
		}
		sort.Strings(names)
		return Model{}, fmt.Errorf("%w: %q (choose from %s)", ErrUnsupportedProvider, provider, strings.Join(names, ", "))
	}

	key := requestKey
	if key == "" {
		key = keys.forProvider(provider)
	}
	if key == "" {
		key = keys.Fallback
	}
	if key == "" {
		return Model{}, fmt.Errorf("%w: no API key found for %s, set %s or provide a key in the request",
			ErrAPIKeyMissing, cfg.label, cfg.envKey)
	}

	return Model{Provider: provider, Name: cfg.model, APIKey: key}, nil
}
