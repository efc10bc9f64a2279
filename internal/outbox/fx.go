package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/warung/internal/config"
	"github.com/smallbiznis/warung/internal/observability/logger"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	"github.com/smallbiznis/warung/internal/outbox/replay"
	"github.com/smallbiznis/warung/internal/outbox/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("outbox",
	fx.Provide(
		fx.Annotate(OpenLocal, fx.ResultTags(`name:"outbox"`)),
		repository.Provide,
		repository.Bridge,
		replay.ConfigFrom,
		replay.New,
	),
	fx.Invoke(RunReplayer),
)

// OpenLocal opens the device-local outbox database. It lives beside the
// process, not in the remote store, so it stays writable while offline.
func OpenLocal(lc fx.Lifecycle, cfg config.Config) (*gorm.DB, error) {
	path := strings.TrimSpace(cfg.OutboxPath)
	if path == "" {
		path = "warung-outbox.db"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLogger(logger.DefaultGormLoggerConfig()),
	})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if err := db.AutoMigrate(&outboxdomain.Event{}); err != nil {
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer
	sqlDB.SetMaxOpenConns(1)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sqlDB.Close()
		},
	})
	return db, nil
}

func RunReplayer(lc fx.Lifecycle, replayer *replay.Replayer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go replayer.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					log.Named("outbox").Debug("outbox.replay.stopped")
					return nil
				},
			})
			return nil
		},
	})
}
