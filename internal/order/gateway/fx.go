package gateway

import (
	"context"
	"errors"

	"github.com/smallbiznis/warung/internal/order/domain"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("order.gateway",
	fx.Provide(
		New,
		func(g *Gateway) outboxdomain.Executor { return g },
	),
	fx.Invoke(LoadOnStart),
)

// LoadOnStart fills the store before the API starts serving. An unreachable
// remote store starts the gateway offline; the replayer brings it back and
// reloads once the store answers.
func LoadOnStart(lc fx.Lifecycle, g *Gateway, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			err := g.Sync(ctx)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, domain.ErrRemoteUnavailable), errors.Is(err, context.DeadlineExceeded):
				g.offline.Store(true)
				log.Warn("order.sync.deferred", zap.Error(err))
				return nil
			}
			return err
		},
	})
}

var _ outboxdomain.Executor = (*Gateway)(nil)
