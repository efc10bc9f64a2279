package realtime

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/config"
	"github.com/smallbiznis/warung/internal/observability/logger"
	"github.com/smallbiznis/warung/internal/observability/metrics"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/order/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RuleForeignBusiness marks notifications addressed to another business.
const RuleForeignBusiness = "foreign_business"

type ListenerParams struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Store      *store.Store
	Remote     domain.RemoteStore
	Engine     *metrics.EngineMetrics `optional:"true"`
	ObsMetrics *metrics.Metrics       `optional:"true"`
}

// Listener applies pushed notifications to the store. It never writes to the
// remote store; it only reads from it to fill gaps a notification leaves.
type Listener struct {
	businessID snowflake.ID
	origin     string

	store  *store.Store
	remote domain.RemoteStore
	engine *metrics.EngineMetrics
	obs    *metrics.Metrics
	log    *zap.Logger
}

func NewListener(p ListenerParams) *Listener {
	return &Listener{
		businessID: snowflake.ID(p.Config.BusinessID),
		origin:     p.Config.DeviceID,
		store:      p.Store,
		remote:     p.Remote,
		engine:     p.Engine,
		obs:        p.ObsMetrics,
		log:        logger.WithTill(p.Log, strconv.FormatInt(p.Config.BusinessID, 10), p.Config.DeviceID).Named("realtime.listener"),
	}
}

// Handle implements Handler.
func (l *Listener) Handle(ctx context.Context, n Notification) error {
	_, err := l.Apply(ctx, n)
	return err
}

// Apply applies one notification and reports what the store did with it.
func (l *Listener) Apply(ctx context.Context, n Notification) (store.RemoteOutcome, error) {
	head := n.Header()
	l.engine.IncNotification(string(n.Entity()), string(head.Event))

	if head.BusinessID != 0 && l.businessID != 0 && head.BusinessID != l.businessID {
		return l.suppressed(n, RuleForeignBusiness), nil
	}
	if head.Origin != "" && head.Origin == l.origin {
		return l.suppressed(n, metrics.SuppressSelfEcho), nil
	}

	target, patch, ok := l.translate(n)
	if !ok {
		return l.suppressed(n, metrics.SuppressUnknown), nil
	}

	var known bool
	if target.OrderID != 0 {
		_, known = l.store.TableForOrder(target.OrderID)
	}

	outcome, err := l.store.ApplyRemotePatch(target, patch)
	if err != nil {
		l.engine.IncSuppressed(metrics.SuppressInvalid)
		l.log.Warn("realtime.notification.rejected",
			zap.String("entity", string(n.Entity())),
			zap.String("event_type", string(head.Event)),
			zap.Error(err),
		)
		return outcome, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if !outcome.Apply {
		return l.suppressed(n, outcome.Rule), nil
	}
	if !outcome.Changed {
		return outcome, nil
	}

	if n.Entity() == EntityTable {
		l.obs.RecordTableChange(ctx, strconv.FormatInt(int64(l.businessID), 10), string(head.Event))
	}

	if orderID := l.missingOrder(target.TableID); orderID != 0 {
		l.refreshOrder(ctx, target.TableID, orderID, false)
	} else if n.Entity() == EntityOrder && head.Event != EventDelete && !known {
		l.refreshOrder(ctx, target.TableID, target.OrderID, true)
	}
	if orderID := n.OrderID(); orderID != 0 && orderID == l.store.Focused() {
		l.refreshOrder(ctx, target.TableID, orderID, true)
	}

	outcome.Version = l.store.Version()
	return outcome, nil
}

var _ Handler = (*Listener)(nil)

// translate maps a notification onto the store target and patch it implies.
func (l *Listener) translate(n Notification) (domain.Target, domain.Patch, bool) {
	switch v := n.(type) {
	case TableNotification:
		target := domain.Target{TableID: v.Table.ID}
		if v.Table.CurrentOrderID != nil {
			target.OrderID = *v.Table.CurrentOrderID
		}
		if v.Head.Event == EventDelete {
			return target, domain.RemoveTable(), true
		}
		return target, domain.UpsertTable(v.Table), true

	case OrderNotification:
		target := domain.Target{TableID: v.Order.TableID, OrderID: v.Order.ID}
		if v.Head.Event == EventDelete || !v.Order.IsOpen() {
			return target, domain.ClearOrder(v.Order.ID), true
		}
		order := v.Order
		order.Items = nil
		return target, domain.SetOrder(order), true

	case ItemNotification:
		tableID, ok := l.store.TableForOrder(v.Item.OrderID)
		if !ok {
			return domain.Target{OrderID: v.Item.OrderID}, domain.Patch{}, false
		}
		target := domain.Target{TableID: tableID, OrderID: v.Item.OrderID}
		if v.Head.Event == EventDelete {
			return target, domain.RemoveItem(v.Item.OrderID, v.Item.ID), true
		}
		return target, domain.UpsertItem(v.Item), true
	}
	return domain.Target{}, domain.Patch{}, false
}

// missingOrder returns the order a table points at when the store does not
// hold it yet.
func (l *Listener) missingOrder(tableID snowflake.ID) snowflake.ID {
	st, ok := l.store.GetTable(tableID)
	if !ok || st.Table.CurrentOrderID == nil {
		return 0
	}
	if st.Order != nil && st.Order.ID == *st.Table.CurrentOrderID {
		return 0
	}
	return *st.Table.CurrentOrderID
}

// refreshOrder pulls an order with its lines from the remote store. With
// itemsOnly set only the line list is overwritten.
func (l *Listener) refreshOrder(ctx context.Context, tableID, orderID snowflake.ID, itemsOnly bool) {
	if l.remote == nil {
		return
	}
	order, err := l.remote.GetOrderWithItems(ctx, orderID)
	if err != nil {
		l.log.Warn("realtime.order.refresh_failed",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return
	}
	if order.Items == nil {
		order.Items = []domain.OrderItem{}
	}

	target := domain.Target{TableID: tableID, OrderID: orderID}
	patch := domain.SetOrder(order)
	if itemsOnly {
		patch = domain.ReplaceItems(orderID, order.Items)
	}
	outcome, err := l.store.ApplyRemotePatch(target, patch)
	if err != nil {
		l.log.Warn("realtime.order.refresh_rejected", zap.String("order_id", orderID.String()), zap.Error(err))
		return
	}
	if !outcome.Apply {
		l.engine.IncSuppressed(outcome.Rule)
	}
}

func (l *Listener) suppressed(n Notification, rule string) store.RemoteOutcome {
	l.engine.IncSuppressed(rule)
	l.log.Debug("realtime.notification.suppressed",
		zap.String("entity", string(n.Entity())),
		zap.String("event_type", string(n.Header().Event)),
		zap.String("rule", rule),
	)
	return store.RemoteOutcome{Decision: store.Decision{Rule: rule}, Version: l.store.Version()}
}
