package llm

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/usage"
)

// ModelConfig describes one model selectable by clients.
type ModelConfig struct {
	// ID is the selector clients send.
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Provider string `yaml:"provider" json:"provider"`
	// Model is the provider-side model name. It defaults to ID.
	Model        string `yaml:"model" json:"-"`
	MaxTokens    int    `yaml:"maxTokens" json:"max_tokens,omitempty"`
	SystemPrompt string `yaml:"systemPrompt" json:"-"`
	// Tiers lists the account tiers allowed to use the model. Empty means
	// every tier.
	Tiers []string `yaml:"tiers" json:"tiers,omitempty"`
}

type modelsFile struct {
	Models []ModelConfig `yaml:"models"`
}

// LoadModels reads model definitions from a YAML file.
func LoadModels(path string) ([]ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}
	return ParseModels(data)
}

// ParseModels decodes model definitions from YAML.
func ParseModels(data []byte) ([]ModelConfig, error) {
	var f modelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("models file defines no models")
	}
	return f.Models, nil
}

// DefaultModels is used when no models file is configured.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{ID: "echo", Name: "Echo", Provider: "echo"},
		{ID: "claude-3-5-haiku", Name: "Claude 3.5 Haiku", Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
		{ID: "claude-3-5-sonnet", Name: "Claude 3.5 Sonnet", Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", Tiers: []string{"regular"}},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai"},
		{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", Tiers: []string{"regular"}},
		{ID: "llama3.2", Name: "Llama 3.2", Provider: "ollama"},
	}
}

// Registry maps model selectors to their configuration and provider. It is
// built once at startup and never mutated, so it is safe for concurrent use.
type Registry struct {
	models    map[string]ModelConfig
	order     []string
	providers map[string]Provider
}

// NewRegistry validates models against providers and builds the registry.
func NewRegistry(models []ModelConfig, providers ...Provider) (*Registry, error) {
	r := &Registry{
		models:    make(map[string]ModelConfig, len(models)),
		providers: make(map[string]Provider, len(providers)),
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}

	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("model without id")
		}
		if _, dup := r.models[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model %q", m.ID)
		}
		if _, ok := r.providers[m.Provider]; !ok {
			return nil, fmt.Errorf("model %q uses unknown provider %q", m.ID, m.Provider)
		}
		if m.Model == "" {
			m.Model = m.ID
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		r.models[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	return r, nil
}

// Resolve returns the configuration and provider of a model selector.
func (r *Registry) Resolve(id string) (ModelConfig, Provider, error) {
	m, ok := r.models[id]
	if !ok {
		return ModelConfig{}, nil, apperr.UnknownModel(id)
	}
	return m, r.providers[m.Provider], nil
}

// Models returns every model in definition order.
func (r *Registry) Models() []ModelConfig {
	out := make([]ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Entitled reports whether tier may use model. Unknown models are refused.
func (r *Registry) Entitled(model string, tier usage.Tier) bool {
	m, ok := r.models[model]
	if !ok {
		return false
	}
	return len(m.Tiers) == 0 || slices.Contains(m.Tiers, string(tier))
}
