package repository

import "go.uber.org/fx"

var Module = fx.Module("order.repository",
	fx.Provide(Provide),
)
