package realtime

import (
	"context"

	"github.com/smallbiznis/warung/internal/order/store"
	"go.uber.org/fx"
)

var Module = fx.Module("order.realtime",
	fx.Provide(
		NewGuard,
		func(g *Guard) store.RemoteFilter { return g },
		NewListener,
		NewRedisFeed,
	),
	fx.Invoke(RunFeed),
)

// RunFeed pumps the redis feed into the listener for the app's lifetime.
func RunFeed(lc fx.Lifecycle, feed *RedisFeed, listener *Listener) {
	if !feed.Enabled() {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go func() { _ = feed.Run(ctx, listener) }()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
