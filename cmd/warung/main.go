package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/clock"
	"github.com/smallbiznis/warung/internal/config"
	"github.com/smallbiznis/warung/internal/migration"
	"github.com/smallbiznis/warung/internal/observability"
	"github.com/smallbiznis/warung/internal/order/gateway"
	"github.com/smallbiznis/warung/internal/order/realtime"
	orderrepository "github.com/smallbiznis/warung/internal/order/repository"
	"github.com/smallbiznis/warung/internal/order/store"
	"github.com/smallbiznis/warung/internal/outbox"
	"github.com/smallbiznis/warung/internal/ratelimit"
	"github.com/smallbiznis/warung/internal/sale"
	"github.com/smallbiznis/warung/internal/server"
	"github.com/smallbiznis/warung/pkg/db"
	"github.com/smallbiznis/warung/pkg/redisconn"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		redisconn.Module,
		migration.Module,

		// Functional Domains
		sale.Module,
		orderrepository.Module,
		store.Module,
		realtime.Module,
		gateway.Module,
		outbox.Module,
		ratelimit.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	return node, nil
}
