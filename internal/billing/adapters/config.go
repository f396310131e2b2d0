package adapters

import (
	"strings"

	"github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/config"
)

// ConfigFor maps application configuration to the per-request adapter
// configuration of one provider. Providers without configured credentials
// get a zero config; their factory rejects it.
func ConfigFor(cfg config.Config, provider string, customers domain.CustomerStore) domain.AdapterConfig {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "stripe":
		return domain.AdapterConfig{
			APIKey:        cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			APIBaseURL:    cfg.Stripe.APIBaseURL,
			Customers:     customers,
		}
	default:
		return domain.AdapterConfig{Customers: customers}
	}
}
