package billing

import (
	"github.com/compstack/billing/internal/billing/adapters"
	"github.com/compstack/billing/internal/billing/adapters/stripe"
	"github.com/compstack/billing/internal/billing/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(repository.NewCustomerStore),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
		)
	}),
)
