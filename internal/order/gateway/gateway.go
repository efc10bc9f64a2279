package gateway

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/warung/internal/clock"
	"github.com/smallbiznis/warung/internal/config"
	obscontext "github.com/smallbiznis/warung/internal/observability/context"
	"github.com/smallbiznis/warung/internal/observability/logger"
	"github.com/smallbiznis/warung/internal/observability/metrics"
	"github.com/smallbiznis/warung/internal/observability/tracing"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/order/lease"
	"github.com/smallbiznis/warung/internal/order/realtime"
	"github.com/smallbiznis/warung/internal/order/store"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	saledomain "github.com/smallbiznis/warung/internal/sale/domain"
	"github.com/smallbiznis/warung/internal/settlement"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config     config.Config
	Settings   *config.SettlementConfigHolder
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Store      *store.Store
	Remote     domain.RemoteStore
	Sales      saledomain.Service
	Guard      *realtime.Guard
	Outbox     outboxdomain.Repository `optional:"true"`
	Feed       *realtime.RedisFeed     `optional:"true"`
	Redis      *redis.Client           `optional:"true"`
	Engine     *metrics.EngineMetrics  `optional:"true"`
	ObsMetrics *metrics.Metrics        `optional:"true"`
}

// Gateway turns operator intents into an optimistic store patch followed by
// the matching remote writes. A failed write is undone locally; an
// unreachable remote store switches the gateway to offline mode, where writes
// go to the outbox until it drains.
type Gateway struct {
	businessID    snowflake.ID
	deviceID      string
	remoteTimeout time.Duration
	lockTTL       time.Duration

	settings *config.SettlementConfigHolder
	clock    clock.Clock
	genID    *snowflake.Node
	store    *store.Store
	remote   domain.RemoteStore
	sales    saledomain.Service
	guard    *realtime.Guard
	outbox   outboxdomain.Repository
	feed     *realtime.RedisFeed
	leases   *lease.Registry
	locker   *lease.RedisLocker
	engine   *metrics.EngineMetrics
	obs      *metrics.Metrics
	tracer   trace.Tracer
	log      *zap.Logger

	// modeMu is held shared by every commit and exclusively when going back
	// online, so no write slips past the outbox while it drains.
	modeMu  sync.RWMutex
	offline atomic.Bool
}

func New(p Params) *Gateway {
	timeout := p.Config.RemoteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lockTTL := p.Config.CloseLockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Gateway{
		businessID:    snowflake.ID(p.Config.BusinessID),
		deviceID:      p.Config.DeviceID,
		remoteTimeout: timeout,
		lockTTL:       lockTTL,
		settings:      p.Settings,
		clock:         p.Clock,
		genID:         p.GenID,
		store:         p.Store,
		remote:        p.Remote,
		sales:         p.Sales,
		guard:         p.Guard,
		outbox:        p.Outbox,
		feed:          p.Feed,
		leases:        lease.NewRegistry(),
		locker:        lease.NewRedisLocker(p.Redis, "warung:lock:"+strconv.FormatInt(p.Config.BusinessID, 10)+":"),
		engine:        p.Engine,
		obs:           p.ObsMetrics,
		tracer:        otel.Tracer("warung/order"),
		log:           logger.WithTill(p.Log, strconv.FormatInt(p.Config.BusinessID, 10), p.Config.DeviceID).Named("order.gateway"),
	}
}

// Dispatch runs one intent to completion. The store reflects the optimistic
// change before any remote write starts.
func (g *Gateway) Dispatch(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	start := g.clock.Now()
	ctx, span := g.tracer.Start(ctx, "order.dispatch", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("intent", string(intent.Kind)),
		attribute.String("table_id", intent.TableID.String()),
	)...))
	defer span.End()
	if intent.TableID != 0 {
		ctx = obscontext.WithTableID(ctx, intent.TableID.String())
	}

	var (
		res domain.Result
		err error
	)
	switch intent.Kind {
	case domain.IntentAddItem:
		res, err = g.addItem(ctx, intent)
	case domain.IntentSetQuantity:
		res, err = g.setQuantity(ctx, intent)
	case domain.IntentRemoveItem:
		res, err = g.removeItem(ctx, intent)
	case domain.IntentOpenOrder:
		res, err = g.openOrder(ctx, intent)
	case domain.IntentCloseOrder, domain.IntentCloseOrderSplit:
		res, err = g.closeOrder(ctx, intent)
	case domain.IntentCreateTable:
		res, err = g.createTable(ctx, intent)
	case domain.IntentDeleteTable:
		res, err = g.deleteTable(ctx, intent)
	default:
		err = domain.ErrInvalidIntent
	}

	res.Kind = intent.Kind
	res.Version = g.store.Version()
	outcome := metrics.OutcomeApplied
	switch {
	case err != nil:
		outcome = metrics.OutcomeRejected
		if errors.Is(err, domain.ErrRemoteWriteFailed) {
			outcome = metrics.OutcomeRecovered
		}
	case res.Queued:
		outcome = metrics.OutcomeQueued
	}
	g.engine.ObserveDispatch(string(intent.Kind), outcome, g.clock.Now().Sub(start))
	span.SetAttributes(attribute.String("outcome", outcome))

	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, outcome)
		g.logRejected(ctx, intent, err)
		return res, err
	}
	return res, nil
}

func (g *Gateway) logRejected(ctx context.Context, intent domain.Intent, err error) {
	log := g.log.With(
		zap.String("intent", string(intent.Kind)),
		zap.String("table_id", intent.TableID.String()),
		zap.String("request_id", obscontext.RequestIDFromContext(ctx)),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, domain.ErrConcurrentCloseRejected):
		log.Warn("order.close.rejected")
	case errors.Is(err, domain.ErrRemoteWriteFailed):
		log.Warn("order.dispatch.recovered")
	case errors.Is(err, domain.ErrTableNotFound), errors.Is(err, domain.ErrItemBusy), errors.Is(err, domain.ErrTableBusy):
		log.Info("order.dispatch.rejected")
	default:
		log.Debug("order.dispatch.rejected")
	}
}

// Sync replaces the store with every table and open order of the business.
func (g *Gateway) Sync(ctx context.Context) error {
	ctx, cancel := g.remoteCtx(ctx)
	defer cancel()
	states, err := g.remote.ListTables(ctx, g.businessID)
	if err != nil {
		return err
	}
	for i := range states {
		if states[i].Dangling() {
			states[i], _ = g.finishVacate(ctx, states[i])
		}
	}
	version := g.store.Load(states)
	g.log.Info("order.sync.loaded", zap.Int("tables", len(states)), zap.Uint64("version", version))
	return nil
}

// Offline reports whether writes are currently going to the outbox.
func (g *Gateway) Offline() bool {
	return g.offline.Load()
}

// Resume switches back to online mode once the outbox holds nothing pending
// and the store has been reloaded from the remote store.
func (g *Gateway) Resume(ctx context.Context) bool {
	if !g.offline.Load() {
		return true
	}
	g.modeMu.Lock()
	defer g.modeMu.Unlock()
	if g.outbox != nil {
		pending, err := g.outbox.CountPending(ctx)
		if err != nil || pending > 0 {
			return false
		}
	}
	if err := g.Sync(ctx); err != nil {
		g.log.Warn("order.sync.failed", zap.Error(err))
		return false
	}
	g.offline.Store(false)
	g.log.Info("order.gateway.online")
	return true
}

// SettlementBlocked reports whether the order has local work not yet
// confirmed by the remote store.
func (g *Gateway) SettlementBlocked(ctx context.Context, orderID snowflake.ID) (bool, error) {
	tableID, ok := g.store.TableForOrder(orderID)
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if g.outbox == nil {
		return false, nil
	}
	if st, ok := g.store.GetTable(tableID); !ok || st.Order == nil {
		return false, domain.ErrOrderNotFound
	}
	return g.outbox.HasInFlightWork(ctx, orderID)
}

// Preview evaluates a split settlement without writing anything.
func (g *Gateway) Preview(tableID snowflake.ID, accounts []settlement.SubAccount, alloc settlement.Allocation) (settlement.Preview, error) {
	st, ok := g.store.GetTable(tableID)
	if !ok {
		return settlement.Preview{}, domain.ErrTableNotFound
	}
	if !st.Order.IsOpen() {
		return settlement.Preview{}, domain.ErrOrderNotOpen
	}
	items := settlementItems(st.Order)
	session := settlement.NewSession(items, settlement.MethodCash)
	if len(accounts) > 0 {
		session.Accounts = accounts
	}
	if alloc != nil {
		session.Allocation = alloc
	}
	return settlement.BuildPreview(session, g.settings.Get().Denominations), nil
}

func (g *Gateway) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.remoteTimeout)
}

func (g *Gateway) now() time.Time {
	return g.clock.Now().UTC()
}

func (g *Gateway) tableState(tableID snowflake.ID) (domain.TableState, error) {
	st, ok := g.store.GetTable(tableID)
	if !ok {
		return domain.TableState{}, domain.ErrTableNotFound
	}
	return st, nil
}

func (g *Gateway) openOrderOf(tableID snowflake.ID) (domain.TableState, *domain.Order, error) {
	st, err := g.tableState(tableID)
	if err != nil {
		return st, nil, err
	}
	if !st.Order.IsOpen() {
		return st, nil, domain.ErrOrderNotOpen
	}
	return st, st.Order, nil
}

func (g *Gateway) result(tableID snowflake.ID, queued bool) domain.Result {
	res := domain.Result{Queued: queued}
	if st, ok := g.store.GetTable(tableID); ok {
		res.State = &st
	}
	return res
}

func settlementItems(order *domain.Order) []settlement.Item {
	items := make([]settlement.Item, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, settlement.Item{
			ID:        item.ID,
			ProductID: item.ProductID,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return items
}
