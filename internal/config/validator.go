package config

import (
	"fmt"
)

// Validate checks a loaded configuration for structural problems. It
// does not resolve secrets; a dangling secret reference surfaces as a
// configuration error at run start instead.
func Validate(cfg *Config) error {
	seen := make(map[string]bool)

	for i, p := range cfg.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true

		switch p.Kind {
		case ProviderAnthropic, ProviderOpenAIBatch:
			if p.SecretRef == "" {
				return fmt.Errorf("provider %s: secret_ref is required for kind %s", p.ID, p.Kind)
			}
		case ProviderOllama:
			if p.BaseURL == "" {
				return fmt.Errorf("provider %s: base_url is required for kind ollama", p.ID)
			}
		case ProviderCLI:
			if p.Binary == "" {
				return fmt.Errorf("provider %s: binary is required for kind cli", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
		}

		if p.Model == "" && p.Kind != ProviderCLI {
			return fmt.Errorf("provider %s: model is required", p.ID)
		}
	}

	if cfg.Scheduler.BatchSize < 0 {
		return fmt.Errorf("scheduler batch_size cannot be negative")
	}
	if cfg.Tools.MaxOutputBytes < 0 {
		return fmt.Errorf("tools max_output_bytes cannot be negative")
	}
	if cfg.Gateway.Enabled && cfg.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared_secret is required when gateway is enabled")
	}

	return nil
}
