package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/observability/metrics"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/order/realtime"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// recoverFunc undoes an optimistic patch after its remote write failed. It
// returns a replacement error, or nil to report ErrRemoteWriteFailed.
// errCompleted means recovery finished the intent instead.
type recoverFunc func(ctx context.Context) error

var errCompleted = errors.New("completed_by_recovery")

// commit runs the mutations in order. When the remote store is unreachable
// the unfinished mutations are queued and queued=true is returned; any other
// failure runs recover and is reported as ErrRemoteWriteFailed.
func (g *Gateway) commit(ctx context.Context, intent domain.IntentKind, mutations []domain.Mutation, recover recoverFunc) (queued bool, err error) {
	g.modeMu.RLock()
	defer g.modeMu.RUnlock()

	if g.offline.Load() && g.outbox != nil {
		if err := g.enqueue(ctx, mutations); err == nil {
			return true, nil
		}
	}

	for i, m := range mutations {
		err := g.executeWithTimeout(ctx, m)
		if err == nil {
			g.publish(ctx, m)
			continue
		}
		g.engine.IncRemoteError(err)

		if errors.Is(err, domain.ErrRemoteUnavailable) && g.outbox != nil {
			qerr := g.enqueue(ctx, mutations[i:])
			if qerr == nil {
				if g.offline.CompareAndSwap(false, true) {
					g.log.Warn("order.gateway.offline", zap.String("intent", string(intent)), zap.Error(err))
				}
				return true, nil
			}
			g.log.Error("outbox.enqueue.failed", zap.Error(qerr))
		}

		if recover != nil {
			rerr := recover(ctx)
			if errors.Is(rerr, errCompleted) {
				g.log.Warn("order.dispatch.completed_by_recovery", zap.String("intent", string(intent)), zap.Error(err))
				return false, nil
			}
			if rerr != nil {
				return false, rerr
			}
		}
		return false, fmt.Errorf("%w: %w", domain.ErrRemoteWriteFailed, err)
	}
	return false, nil
}

func (g *Gateway) enqueue(ctx context.Context, mutations []domain.Mutation) error {
	events := make([]outboxdomain.Event, 0, len(mutations))
	for _, m := range mutations {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		entityType, entityID := m.Entity()
		events = append(events, outboxdomain.Event{
			ID:         m.ID,
			BusinessID: g.businessID,
			Kind:       string(m.Kind),
			EntityType: entityType,
			EntityID:   entityID,
			OrderID:    m.OrderID(),
			Payload:    datatypes.JSON(payload),
		})
	}
	if err := g.outbox.Enqueue(ctx, events); err != nil {
		return err
	}
	g.engine.AddOutboxQueued(len(events))
	g.log.Info("order.dispatch.queued", zap.Int("mutations", len(events)))
	return nil
}

func (g *Gateway) executeWithTimeout(ctx context.Context, m domain.Mutation) error {
	ctx, cancel := g.remoteCtx(ctx)
	defer cancel()
	return g.execute(ctx, m)
}

// execute performs one remote write. Every write is idempotent so replays of
// an already applied mutation succeed.
func (g *Gateway) execute(ctx context.Context, m domain.Mutation) error {
	switch m.Kind {
	case domain.MutationInsertTable:
		return g.remote.InsertTable(ctx, *m.Table)
	case domain.MutationUpdateTable:
		return g.remote.UpdateTable(ctx, *m.Table)
	case domain.MutationDeleteTable:
		return g.remote.DeleteTable(ctx, m.Table.BusinessID, m.Table.ID)
	case domain.MutationInsertOrder:
		return g.remote.InsertOrder(ctx, *m.Order)
	case domain.MutationUpdateOrder:
		return g.remote.UpdateOrder(ctx, *m.Order)
	case domain.MutationInsertItem:
		return g.remote.InsertItem(ctx, *m.Item)
	case domain.MutationUpdateItem:
		return g.remote.UpdateItem(ctx, *m.Item)
	case domain.MutationDeleteItem:
		return g.remote.DeleteItem(ctx, m.Item.OrderID, m.Item.ID)
	case domain.MutationRecordSales:
		_, err := g.sales.Record(ctx, m.Sales)
		return err
	}
	return fmt.Errorf("%w: mutation %q", domain.ErrInvalidIntent, m.Kind)
}

// Replay implements outboxdomain.Executor.
func (g *Gateway) Replay(ctx context.Context, ev outboxdomain.Event) error {
	var m domain.Mutation
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		return fmt.Errorf("%w: %v", outboxdomain.ErrInvalidEvent, err)
	}
	if err := validMutation(m); err != nil {
		return err
	}
	if err := g.executeWithTimeout(ctx, m); err != nil {
		return err
	}
	g.publish(ctx, m)
	return nil
}

// Drained implements outboxdomain.Executor.
func (g *Gateway) Drained(ctx context.Context) {
	g.Resume(ctx)
}

func validMutation(m domain.Mutation) error {
	ok := false
	switch m.Kind {
	case domain.MutationInsertTable, domain.MutationUpdateTable, domain.MutationDeleteTable:
		ok = m.Table != nil
	case domain.MutationInsertOrder, domain.MutationUpdateOrder:
		ok = m.Order != nil
	case domain.MutationInsertItem, domain.MutationUpdateItem, domain.MutationDeleteItem:
		ok = m.Item != nil
	case domain.MutationRecordSales:
		ok = len(m.Sales) > 0
	}
	if !ok {
		return fmt.Errorf("%w: mutation %q", outboxdomain.ErrInvalidEvent, m.Kind)
	}
	return nil
}

// publish tells other tills about a write that reached the remote store.
func (g *Gateway) publish(ctx context.Context, m domain.Mutation) {
	if !g.feed.Enabled() {
		return
	}
	for _, n := range realtime.FromMutation(m, g.businessID, g.deviceID) {
		if err := g.feed.Publish(ctx, n); err != nil {
			g.log.Debug("realtime.feed.publish_failed", zap.String("kind", string(m.Kind)), zap.Error(err))
		}
	}
}

func (g *Gateway) mutation(kind domain.MutationKind) domain.Mutation {
	return domain.Mutation{ID: g.genID.Generate(), Kind: kind}
}

// rollbackItem restores one line to its last confirmed value.
func (g *Gateway) rollbackItem(intent domain.IntentKind, tableID, orderID, itemID snowflake.ID, previous *domain.OrderItem) recoverFunc {
	return func(context.Context) error {
		g.engine.IncRecovery(string(intent), metrics.RecoveryRollback)
		if err := g.store.RestoreItem(tableID, orderID, itemID, previous); err != nil {
			g.log.Warn("order.rollback.failed", zap.String("item_id", itemID.String()), zap.Error(err))
		}
		return nil
	}
}

// refetchItems overwrites the order's lines with the remote copy, falling
// back to restoring the single line when the remote store cannot be read.
func (g *Gateway) refetchItems(intent domain.IntentKind, tableID, orderID, itemID snowflake.ID, previous *domain.OrderItem) recoverFunc {
	return func(ctx context.Context) error {
		fetchCtx, cancel := g.remoteCtx(ctx)
		defer cancel()
		order, err := g.remote.GetOrderWithItems(fetchCtx, orderID)
		if err != nil {
			g.log.Warn("order.refetch.failed", zap.String("order_id", orderID.String()), zap.Error(err))
			return g.rollbackItem(intent, tableID, orderID, itemID, previous)(ctx)
		}
		g.engine.IncRecovery(string(intent), metrics.RecoveryResync)
		if err := g.store.Revert(tableID, domain.ReplaceItems(orderID, order.Items)); err != nil {
			g.log.Warn("order.refetch.apply_failed", zap.String("order_id", orderID.String()), zap.Error(err))
		}
		return nil
	}
}

// resyncTable reloads one table from the remote store. When the table is
// gone it is dropped and ErrTableNotFound replaces the write error. When the
// remote store cannot be read the pre-intent state is restored.
func (g *Gateway) resyncTable(intent domain.IntentKind, previous domain.TableState) recoverFunc {
	return func(ctx context.Context) error {
		_, err := g.reloadTable(ctx, intent, previous)
		return err
	}
}

// resyncClose is resyncTable for a close. When the order was closed remotely
// but the table write failed, the vacate is finished and the close succeeds.
func (g *Gateway) resyncClose(intent domain.IntentKind, previous domain.TableState, orderID snowflake.ID) recoverFunc {
	return func(ctx context.Context) error {
		vacated, err := g.reloadTable(ctx, intent, previous)
		if err != nil {
			return err
		}
		if vacated == orderID {
			return errCompleted
		}
		g.guard.CloseFailed(previous.Table.ID, orderID)
		return nil
	}
}

// reloadTable fetches one table, finishes a dangling vacate and replaces the
// local copy. It returns the order whose vacate it finished, if any.
func (g *Gateway) reloadTable(ctx context.Context, intent domain.IntentKind, previous domain.TableState) (snowflake.ID, error) {
	tableID := previous.Table.ID
	g.engine.IncRecovery(string(intent), metrics.RecoveryResync)
	fetchCtx, cancel := g.remoteCtx(ctx)
	defer cancel()
	state, err := g.remote.GetTable(fetchCtx, g.businessID, tableID)
	switch {
	case errors.Is(err, domain.ErrTableNotFound):
		g.store.RemoveTable(tableID)
		return 0, domain.ErrTableNotFound
	case err != nil:
		g.log.Warn("order.resync.failed", zap.String("table_id", tableID.String()), zap.Error(err))
		g.store.ReplaceTable(previous)
		return 0, nil
	}

	var vacated snowflake.ID
	if state.Dangling() {
		orderID := *state.Table.CurrentOrderID
		if state, err = g.finishVacate(ctx, state); err == nil && !pointsAt(state.Table, orderID) {
			vacated = orderID
		}
	}
	g.store.ReplaceTable(state)
	return vacated, nil
}

// finishVacate makes a dangling table available remotely. When another till
// moved the table on first, its current remote state is returned instead. On
// failure the state is returned unchanged for the next sync to retry.
func (g *Gateway) finishVacate(ctx context.Context, state domain.TableState) (domain.TableState, error) {
	if !state.Dangling() {
		return state, nil
	}
	orderID := *state.Table.CurrentOrderID
	table := state.Table.Vacated(g.now())

	writeCtx, cancel := g.remoteCtx(ctx)
	defer cancel()
	released, err := g.remote.ReleaseTable(writeCtx, table, orderID)
	if err == nil && !released {
		var current domain.TableState
		if current, err = g.remote.GetTable(writeCtx, g.businessID, table.ID); err == nil {
			return current, nil
		}
	}
	if err != nil {
		g.engine.IncRemoteError(err)
		g.log.Warn("order.vacate.retry_failed",
			zap.String("table_id", table.ID.String()),
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return state, err
	}
	g.publish(ctx, domain.Mutation{Kind: domain.MutationUpdateTable, Table: &table})
	g.log.Info("order.vacate.finished", zap.String("table_id", table.ID.String()), zap.String("order_id", orderID.String()))
	return domain.TableState{Table: table}, nil
}

func pointsAt(table domain.Table, orderID snowflake.ID) bool {
	return table.CurrentOrderID != nil && *table.CurrentOrderID == orderID
}
