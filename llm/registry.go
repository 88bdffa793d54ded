package llm

import (
	"errors"
	"fmt"
	"strings"

	"streamchat/common"

	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrProviderNotFound means no configured provider matches the explicit name.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderNotAvailable means the provider matched but is disabled or
	// has no credential.
	ErrProviderNotAvailable = errors.New("provider not available")
	// ErrNoProvidersAvailable means default/fallback resolution found no
	// qualifying provider at all.
	ErrNoProvidersAvailable = errors.New("no providers available")
)

// ModelInfo describes one selectable model for listing endpoints.
type ModelInfo struct {
	Provider          string `json:"provider"`
	Name              string `json:"name"`
	SupportsReasoning bool   `json:"supportsReasoning"`
}

// Selection is the outcome of provider/model resolution.
type Selection struct {
	ProviderName string
	Model        string
	Provider     Provider
	Config       common.ProviderConfig
}

// Registry maps provider names to Provider implementations and resolves
// which provider/model to use for a request.
type Registry struct {
	config    common.Config
	providers map[string]Provider
}

// NewRegistry builds one Provider per configured upstream, keyed by
// lowercased provider name.
func NewRegistry(config common.Config) (*Registry, error) {
	providers := make(map[string]Provider)
	for _, pc := range config.Providers {
		provider, err := newProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		providers[strings.ToLower(pc.Name)] = provider
	}
	return &Registry{config: config, providers: providers}, nil
}

func newProvider(pc common.ProviderConfig) (Provider, error) {
	switch pc.ProviderType {
	case "openai", "openai_compatible":
		return &OpenAIProvider{Config: pc}, nil
	case "anthropic":
		return &AnthropicProvider{Config: pc}, nil
	case "greatwall":
		return &GreatWallProvider{Config: pc}, nil
	default:
		return nil, fmt.Errorf("unsupported provider_type: %s", pc.ProviderType)
	}
}

// Select resolves a provider and model. Resolution order: explicit provider
// name, provider inferred from the model name, configured default provider,
// first available provider.
func (r *Registry) Select(providerName, model string) (Selection, error) {
	if providerName != "" {
		pc, ok := r.config.GetProvider(providerName)
		if !ok {
			return Selection{}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
		}
		if !pc.Available() {
			return Selection{}, fmt.Errorf("%w: %s", ErrProviderNotAvailable, providerName)
		}
		return r.selection(pc, model)
	}

	if model != "" {
		if pc, _, ok := r.config.GetModel(model); ok {
			if !pc.Available() {
				return Selection{}, fmt.Errorf("%w: %s", ErrProviderNotAvailable, pc.Name)
			}
			return r.selection(pc, model)
		}
	}

	if r.config.Defaults.Provider != "" {
		if pc, ok := r.config.GetProvider(r.config.Defaults.Provider); ok && pc.Available() {
			return r.selection(pc, model)
		}
	}

	for _, pc := range r.config.Providers {
		if pc.Available() {
			return r.selection(pc, model)
		}
	}

	return Selection{}, ErrNoProvidersAvailable
}

func (r *Registry) selection(pc common.ProviderConfig, model string) (Selection, error) {
	provider, ok := r.providers[strings.ToLower(pc.Name)]
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrProviderNotFound, pc.Name)
	}

	resolved := r.resolveModel(pc, model)
	if resolved == "" {
		return Selection{}, fmt.Errorf("%w: provider %s has no models configured", ErrProviderNotAvailable, pc.Name)
	}

	return Selection{
		ProviderName: pc.Name,
		Model:        resolved,
		Provider:     provider,
		Config:       pc,
	}, nil
}

func (r *Registry) resolveModel(pc common.ProviderConfig, model string) string {
	if model != "" {
		for _, m := range pc.Models {
			if m.Name == model {
				return model
			}
		}
		zlog.Warn().Str("provider", pc.Name).Str("model", model).Msg("requested model not configured for provider, falling back")
	}
	if pc.DefaultModel != "" {
		return pc.DefaultModel
	}
	if r.config.Defaults.Model != "" {
		for _, m := range pc.Models {
			if m.Name == r.config.Defaults.Model {
				return m.Name
			}
		}
	}
	if len(pc.Models) > 0 {
		return pc.Models[0].Name
	}
	return ""
}

// ListAvailableModels returns every model offered by an available provider.
func (r *Registry) ListAvailableModels() []ModelInfo {
	var models []ModelInfo
	for _, pc := range r.config.Providers {
		if !pc.Available() {
			continue
		}
		for _, m := range pc.Models {
			models = append(models, ModelInfo{
				Provider:          pc.Name,
				Name:              m.Name,
				SupportsReasoning: m.SupportsReasoning,
			})
		}
	}
	return models
}

// SupportsReasoning reports whether the model can emit an extended reasoning
// trace. Unknown models default to false.
func (r *Registry) SupportsReasoning(model string) bool {
	if _, m, ok := r.config.GetModel(model); ok {
		return m.SupportsReasoning
	}
	return false
}

// SupportsStreaming reports whether the model supports incremental output.
// Unknown models default to true.
func (r *Registry) SupportsStreaming(model string) bool {
	if _, m, ok := r.config.GetModel(model); ok && m.Streaming != nil {
		return *m.Streaming
	}
	return true
}

// SingleTurn reports whether the model requires history flattened into one
// prompt.
func (r *Registry) SingleTurn(model string) bool {
	if _, m, ok := r.config.GetModel(model); ok {
		return m.SingleTurn
	}
	return false
}
