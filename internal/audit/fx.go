package audit

import (
	"go.uber.org/fx"

	"github.com/compstack/billing/internal/audit/repository"
	"github.com/compstack/billing/internal/audit/service"
)

var Module = fx.Module("audit",
	fx.Provide(
		repository.New,
		service.New,
	),
)
