package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/observability/metrics"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/order/lease"
	"github.com/smallbiznis/warung/internal/order/realtime"
	saledomain "github.com/smallbiznis/warung/internal/sale/domain"
	"github.com/smallbiznis/warung/internal/settlement"
	"go.uber.org/zap"
)

func (g *Gateway) acquire(key lease.Key, kind string) (func(), bool) {
	release, ok := g.leases.Acquire(key)
	if !ok {
		g.engine.IncLeaseContention(kind)
	}
	return release, ok
}

// orderIdle rejects item edits while the order is being settled.
func (g *Gateway) orderIdle(orderID snowflake.ID) error {
	if g.leases.Held(lease.OrderKey(orderID)) {
		return domain.ErrConcurrentCloseRejected
	}
	return nil
}

func (g *Gateway) addItem(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	productID := strings.TrimSpace(intent.ProductID)
	switch {
	case intent.Quantity <= 0:
		return domain.Result{}, domain.ErrInvalidQuantity
	case productID == "":
		return domain.Result{}, domain.ErrInvalidProduct
	case intent.UnitPrice < 0:
		return domain.Result{}, domain.ErrInvalidPrice
	}

	_, order, err := g.openOrderOf(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}
	if err := g.orderIdle(order.ID); err != nil {
		return domain.Result{}, err
	}
	releaseProduct, ok := g.acquire(lease.ProductKey(order.ID, productID), metrics.LeaseItem)
	if !ok {
		return domain.Result{}, domain.ErrItemBusy
	}
	defer releaseProduct()

	// Re-read under the product lease so a concurrent addition is summed.
	_, order, err = g.openOrderOf(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}

	now := g.now()
	var (
		item     domain.OrderItem
		previous *domain.OrderItem
		kind     = domain.MutationInsertItem
	)
	if existing, found := order.ItemForProduct(productID); found {
		releaseItem, ok := g.acquire(lease.ItemKey(existing.ID), metrics.LeaseItem)
		if !ok {
			return domain.Result{}, domain.ErrItemBusy
		}
		defer releaseItem()
		prev := existing
		previous = &prev
		item = existing
		item.Quantity += intent.Quantity
		item.UpdatedAt = now
		kind = domain.MutationUpdateItem
	} else {
		item = domain.OrderItem{
			ID:        g.genID.Generate(),
			OrderID:   order.ID,
			ProductID: productID,
			UnitPrice: intent.UnitPrice,
			Quantity:  intent.Quantity,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	item.Subtotal = item.LineTotal()

	if _, err := g.store.ApplyLocalPatch(intent.TableID, domain.UpsertItem(item)); err != nil {
		return domain.Result{}, err
	}

	m := g.mutation(kind)
	m.Item = &item
	queued, err := g.commit(ctx, intent.Kind, []domain.Mutation{m},
		g.rollbackItem(intent.Kind, intent.TableID, order.ID, item.ID, previous))
	if err != nil {
		return g.result(intent.TableID, false), err
	}
	return g.result(intent.TableID, queued), nil
}

func (g *Gateway) setQuantity(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	if intent.Quantity < 0 {
		return domain.Result{}, domain.ErrInvalidQuantity
	}
	if intent.Quantity == 0 {
		return g.removeItem(ctx, intent)
	}

	_, order, err := g.openOrderOf(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}
	if err := g.orderIdle(order.ID); err != nil {
		return domain.Result{}, err
	}
	release, ok := g.acquire(lease.ItemKey(intent.ItemID), metrics.LeaseItem)
	if !ok {
		return domain.Result{}, domain.ErrItemBusy
	}
	defer release()

	existing, found := order.Item(intent.ItemID)
	if !found {
		return domain.Result{}, domain.ErrItemNotFound
	}
	previous := existing
	item := existing
	item.Quantity = intent.Quantity
	item.UpdatedAt = g.now()
	item.Subtotal = item.LineTotal()

	if _, err := g.store.ApplyLocalPatch(intent.TableID, domain.UpsertItem(item)); err != nil {
		return domain.Result{}, err
	}

	m := g.mutation(domain.MutationUpdateItem)
	m.Item = &item
	queued, err := g.commit(ctx, intent.Kind, []domain.Mutation{m},
		g.rollbackItem(intent.Kind, intent.TableID, order.ID, item.ID, &previous))
	if err != nil {
		return g.result(intent.TableID, false), err
	}
	return g.result(intent.TableID, queued), nil
}

func (g *Gateway) removeItem(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	_, order, err := g.openOrderOf(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}
	if err := g.orderIdle(order.ID); err != nil {
		return domain.Result{}, err
	}
	release, ok := g.acquire(lease.ItemKey(intent.ItemID), metrics.LeaseItem)
	if !ok {
		return domain.Result{}, domain.ErrItemBusy
	}
	defer release()

	existing, found := order.Item(intent.ItemID)
	if !found {
		return domain.Result{}, domain.ErrItemNotFound
	}
	previous := existing

	if _, err := g.store.ApplyLocalPatch(intent.TableID, domain.RemoveItem(order.ID, existing.ID)); err != nil {
		return domain.Result{}, err
	}

	m := g.mutation(domain.MutationDeleteItem)
	m.Item = &previous
	queued, err := g.commit(ctx, intent.Kind, []domain.Mutation{m},
		g.refetchItems(intent.Kind, intent.TableID, order.ID, existing.ID, &previous))
	if err != nil {
		return g.result(intent.TableID, false), err
	}
	return g.result(intent.TableID, queued), nil
}

func (g *Gateway) openOrder(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	release, ok := g.acquire(lease.TableKey(intent.TableID), metrics.LeaseTable)
	if !ok {
		return domain.Result{}, domain.ErrTableBusy
	}
	defer release()

	previous, err := g.tableState(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}
	if previous.Dangling() {
		if _, err := g.reloadTable(ctx, intent.Kind, previous); err != nil {
			return domain.Result{}, err
		}
		if previous, err = g.tableState(intent.TableID); err != nil {
			return domain.Result{}, err
		}
	}
	if previous.Table.CurrentOrderID != nil {
		return domain.Result{}, domain.ErrOrderAlreadyOpen
	}

	now := g.now()
	order := domain.Order{
		ID:         g.genID.Generate(),
		BusinessID: g.businessID,
		TableID:    intent.TableID,
		Status:     domain.OrderStatusOpen,
		OpenedAt:   now,
		UpdatedAt:  now,
		Items:      []domain.OrderItem{},
	}
	if _, err := g.store.ApplyLocalPatch(intent.TableID, domain.SetOrder(order)); err != nil {
		return domain.Result{}, err
	}
	table := previous.Table.Occupied(order.ID, now)

	insert := g.mutation(domain.MutationInsertOrder)
	insert.Order = &order
	occupy := g.mutation(domain.MutationUpdateTable)
	occupy.Table = &table

	queued, err := g.commit(ctx, intent.Kind, []domain.Mutation{insert, occupy}, g.resyncTable(intent.Kind, previous))
	if err != nil {
		return g.result(intent.TableID, false), err
	}
	g.obs.RecordTableChange(ctx, g.businessID.String(), "opened")
	g.log.Info("order.opened", zap.String("table_id", intent.TableID.String()), zap.String("order_id", order.ID.String()))
	return g.result(intent.TableID, queued), nil
}

// closeOrder settles the open order of a table and vacates it. The order lease
// is held for the whole close, and the guard keeps the table in local-closing
// so the remote echoes of these writes are not applied on top of it.
func (g *Gateway) closeOrder(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	st, err := g.tableState(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}
	if !st.Order.IsOpen() {
		if g.closing(intent.TableID) {
			return domain.Result{}, domain.ErrConcurrentCloseRejected
		}
		return domain.Result{}, domain.ErrOrderNotOpen
	}
	if intent.OrderID != 0 && intent.OrderID != st.Order.ID {
		return domain.Result{}, domain.ErrOrderNotOpen
	}
	orderID := st.Order.ID

	releaseOrder, ok := g.acquire(lease.OrderKey(orderID), metrics.LeaseOrder)
	if !ok {
		return domain.Result{}, domain.ErrConcurrentCloseRejected
	}
	defer releaseOrder()
	releaseTable, ok := g.acquire(lease.TableKey(intent.TableID), metrics.LeaseTable)
	if !ok {
		if g.closing(intent.TableID) {
			return domain.Result{}, domain.ErrConcurrentCloseRejected
		}
		return domain.Result{}, domain.ErrTableBusy
	}
	defer releaseTable()

	// The first close may have finished between the read and the lease.
	previous, err := g.tableState(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}
	if !previous.Order.IsOpen() || previous.Order.ID != orderID {
		return domain.Result{}, domain.ErrConcurrentCloseRejected
	}
	order := previous.Order
	if len(order.Items) == 0 {
		return domain.Result{}, domain.ErrEmptyOrder
	}

	settled, err := g.settle(intent, order)
	if err != nil {
		g.obs.RecordSettlementDenied(ctx, settlementReason(err))
		return domain.Result{}, err
	}

	if g.locker != nil {
		token, locked, lerr := g.locker.TryLock(ctx, lease.OrderKey(orderID), g.lockTTL)
		switch {
		case lerr != nil:
			g.log.Warn("order.close.lock_unavailable", zap.String("order_id", orderID.String()), zap.Error(lerr))
		case !locked:
			g.engine.IncLeaseContention(metrics.LeaseOrder)
			return domain.Result{}, domain.ErrConcurrentCloseRejected
		default:
			defer func() {
				if err := g.locker.Release(context.WithoutCancel(ctx), lease.OrderKey(orderID), token); err != nil {
					g.log.Warn("order.close.unlock_failed", zap.String("order_id", orderID.String()), zap.Error(err))
				}
			}()
		}
	}

	endClosing := g.guard.BeginClosing(intent.TableID, orderID)
	defer endClosing()

	now := g.now()
	table := previous.Table.Vacated(now)
	if _, err := g.store.ApplyLocalPatch(intent.TableID, domain.ClearOrder(orderID), domain.UpsertTable(table)); err != nil {
		return domain.Result{}, err
	}
	g.guard.MarkVacated(intent.TableID)

	closed := *order.Clone()
	closed.Status = domain.OrderStatusClosed
	closed.ClosedAt = &now
	closed.UpdatedAt = now

	sales := g.mutation(domain.MutationRecordSales)
	sales.Sales = saledomain.FromSettled(g.genID, saledomain.Origin{
		BusinessID: g.businessID,
		OrderID:    orderID,
		TableID:    intent.TableID,
		Currency:   g.settings.Get().Currency,
		OccurredAt: now,
	}, settled)
	closeOrder := g.mutation(domain.MutationUpdateOrder)
	closeOrder.Order = &closed
	vacate := g.mutation(domain.MutationUpdateTable)
	vacate.Table = &table

	queued, err := g.commit(ctx, intent.Kind, []domain.Mutation{sales, closeOrder, vacate}, g.resyncClose(intent.Kind, previous, orderID))
	if err != nil {
		return g.result(intent.TableID, false), err
	}

	g.obs.RecordTableChange(ctx, g.businessID.String(), "vacated")
	g.log.Info("order.closed",
		zap.String("table_id", intent.TableID.String()),
		zap.String("order_id", orderID.String()),
		zap.Int64("total", order.Total),
		zap.Int("sales", len(settled)),
		zap.Bool("queued", queued),
	)
	res := g.result(intent.TableID, queued)
	res.Settled = settled
	return res, nil
}

// closing reports a close of this table still in flight on this till.
func (g *Gateway) closing(tableID snowflake.ID) bool {
	return g.leases.Held(lease.TableKey(tableID)) && g.guard.Phase(tableID) == realtime.PhaseLocalClosing
}

// settle builds the settlement session for a close intent and confirms it.
func (g *Gateway) settle(intent domain.Intent, order *domain.Order) ([]settlement.Settled, error) {
	items := settlementItems(order)
	var session settlement.Session
	switch intent.Kind {
	case domain.IntentCloseOrder:
		method := intent.Method
		if method == "" {
			method = settlement.MethodCash
		}
		if !method.Valid() {
			return nil, domain.ErrInvalidIntent
		}
		session = settlement.NewSession(items, method)
		session.Accounts[0].Tendered = intent.Tendered
	case domain.IntentCloseOrderSplit:
		if len(intent.Accounts) == 0 || intent.Allocation == nil {
			return nil, domain.ErrInvalidIntent
		}
		for _, account := range intent.Accounts {
			if !account.Method.Valid() {
				return nil, domain.ErrInvalidIntent
			}
		}
		session = settlement.Session{Items: items, Accounts: intent.Accounts, Allocation: intent.Allocation}
	}
	return settlement.Confirm(session, g.settings.Get().Denominations)
}

func settlementReason(err error) string {
	switch {
	case errors.Is(err, settlement.ErrAllocationIncomplete):
		return "allocation_incomplete"
	case errors.Is(err, settlement.ErrNoAssignedItems):
		return "no_assigned_items"
	case errors.Is(err, settlement.ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, settlement.ErrDuplicateAccount):
		return "duplicate_account"
	case errors.Is(err, settlement.ErrInsufficientTender):
		return "insufficient_tender"
	case errors.Is(err, settlement.ErrInvalidTender):
		return "invalid_tender"
	}
	return "invalid_intent"
}

func (g *Gateway) createTable(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	number := intent.Number
	switch {
	case number < 0:
		return domain.Result{}, domain.ErrInvalidTableNumber
	case number == 0:
		number = g.store.NextTableNumber()
	case g.store.HasTableNumber(number):
		return domain.Result{}, domain.ErrDuplicateTableNumber
	}

	now := g.now()
	table := domain.Table{
		ID:         g.genID.Generate(),
		BusinessID: g.businessID,
		Number:     number,
		Status:     domain.TableStatusAvailable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := g.store.ApplyLocalPatch(table.ID, domain.UpsertTable(table)); err != nil {
		return domain.Result{}, err
	}

	m := g.mutation(domain.MutationInsertTable)
	m.Table = &table
	queued, err := g.commit(ctx, intent.Kind, []domain.Mutation{m}, func(context.Context) error {
		g.engine.IncRecovery(string(intent.Kind), metrics.RecoveryRollback)
		g.store.RemoveTable(table.ID)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTableNumber) {
			return domain.Result{}, domain.ErrDuplicateTableNumber
		}
		return domain.Result{}, err
	}
	g.obs.RecordTableChange(ctx, g.businessID.String(), "created")
	return g.result(table.ID, queued), nil
}

func (g *Gateway) deleteTable(ctx context.Context, intent domain.Intent) (domain.Result, error) {
	release, ok := g.acquire(lease.TableKey(intent.TableID), metrics.LeaseTable)
	if !ok {
		return domain.Result{}, domain.ErrTableBusy
	}
	defer release()

	previous, err := g.tableState(intent.TableID)
	if err != nil {
		return domain.Result{}, err
	}
	if previous.Table.Status == domain.TableStatusOccupied || previous.Table.CurrentOrderID != nil {
		return domain.Result{}, domain.ErrTableOccupied
	}
	if _, err := g.store.ApplyLocalPatch(intent.TableID, domain.RemoveTable()); err != nil {
		return domain.Result{}, err
	}

	table := previous.Table
	m := g.mutation(domain.MutationDeleteTable)
	m.Table = &table
	queued, err := g.commit(ctx, intent.Kind, []domain.Mutation{m}, g.resyncTable(intent.Kind, previous))
	if err != nil {
		if errors.Is(err, domain.ErrTableNotFound) {
			// Already gone remotely: the delete is effectively done.
			return domain.Result{Queued: false}, nil
		}
		return domain.Result{}, err
	}
	g.obs.RecordTableChange(ctx, g.businessID.String(), "deleted")
	return domain.Result{Queued: queued}, nil
}
