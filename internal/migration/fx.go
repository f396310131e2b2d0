package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	auditdomain "github.com/compstack/billing/internal/audit/domain"
	billingdomain "github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/config"
	providerdomain "github.com/compstack/billing/internal/provider/domain"
	"github.com/compstack/billing/internal/seed"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// sqlite and mysql deployments fall back to schema sync; the
			// versioned SQL is written for postgres
			if err := conn.AutoMigrate(
				&providerdomain.Provider{},
				&providerdomain.ProviderHealth{},
				&providerdomain.RoutingRule{},
				&providerdomain.Region{},
				&providerdomain.CountryRegion{},
				&providerdomain.RoutingDecision{},
				&billingdomain.PricingTier{},
				&billingdomain.TierPrice{},
				&billingdomain.BillingCustomer{},
				&billingdomain.UserSubscription{},
				&billingdomain.SubscriptionEvent{},
				&billingdomain.Profile{},
				&auditdomain.AuditLog{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureFreeTier(conn)
	}),
)
