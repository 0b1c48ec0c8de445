package provider

import (
	"fmt"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/secret"
)

// Builder constructs adapters by provider id. The orchestrator and the
// recovery scheduler depend on this rather than the concrete registry.
type Builder interface {
	Build(id string) (Adapter, error)
	DefaultModel(id string) string
}

// Registry builds adapters from provider configuration, resolving the
// credential reference at build time. Callers construct an adapter per
// use rather than caching one, so a rotated or revoked credential is
// observed on the next run or poll cycle.
type Registry struct {
	providers []config.ProviderConfig
	secrets   secret.Store
}

// NewRegistry creates a registry over the configured providers.
func NewRegistry(providers []config.ProviderConfig, secrets secret.Store) *Registry {
	return &Registry{
		providers: providers,
		secrets:   secrets,
	}
}

// Build resolves the provider config and credential and constructs the
// adapter. A missing provider or unresolvable credential is a
// configuration error, not a transient one.
func (r *Registry) Build(id string) (Adapter, error) {
	var cfg config.ProviderConfig
	found := false
	for _, p := range r.providers {
		if p.ID == id {
			cfg = p
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("unknown provider: %s", id)
	}

	var credential string
	if cfg.SecretRef != "" {
		var err error
		credential, err = r.secrets.Resolve(cfg.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credential for provider %s: %w", id, err)
		}
	}

	switch cfg.Kind {
	case config.ProviderAnthropic:
		return NewAnthropicAdapter(cfg, credential), nil
	case config.ProviderOpenAIBatch:
		return NewOpenAIBatchAdapter(cfg, credential), nil
	case config.ProviderOllama:
		return NewOllamaAdapter(cfg), nil
	case config.ProviderCLI:
		return NewCLIAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", cfg.Kind)
	}
}

// DefaultModel returns the configured model for a provider.
func (r *Registry) DefaultModel(id string) string {
	for _, p := range r.providers {
		if p.ID == id {
			return p.Model
		}
	}
	return ""
}
