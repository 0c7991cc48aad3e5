package giftcard

import (
	"promotions-ledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("giftcard.service",
	fx.Provide(
		NewService,
		httpapi.AsRoute(NewHandler),
	),
)

// Models lists the tables owned by this service, in migration order.
func Models() []any {
	return []any{&Template{}, &GiftCard{}, &Transaction{}}
}
