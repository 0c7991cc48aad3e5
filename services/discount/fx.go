package discount

import (
	"promotions-ledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("discount.service",
	fx.Provide(
		NewService,
		httpapi.AsRoute(NewHandler),
	),
)
