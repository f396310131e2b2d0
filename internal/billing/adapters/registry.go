package adapters

import (
	"strings"

	"github.com/compstack/billing/internal/billing/domain"
)

// SupportedProviders is the deploy-time allowlist. Only keys listed here can
// ever be routed to, independent of what the rule and region tables contain.
// An allowlisted key without a registered factory is "supported later", which
// is a distinct failure from a disallowed key.
var SupportedProviders = []string{
	"stripe",
	"payfast",
	"ozow",
	"peach",
	"paddle",
}

// Supported reports whether the key is on the static allowlist.
func Supported(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	for _, key := range SupportedProviders {
		if key == provider {
			return true
		}
	}
	return false
}

type Registry struct {
	factories map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]domain.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// Load constructs a provider adapter from per-request configuration.
func (r *Registry) Load(provider string, cfg domain.AdapterConfig) (domain.Adapter, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !Supported(provider) {
		return nil, domain.ErrUnsupportedProvider
	}
	if r == nil {
		return nil, domain.ErrAdapterNotImplemented
	}
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrAdapterNotImplemented
	}
	return factory.NewAdapter(cfg)
}
