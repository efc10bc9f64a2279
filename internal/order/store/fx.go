package store

import "go.uber.org/fx"

var Module = fx.Module("order.store",
	fx.Provide(New),
)
