package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/clock"
	orderdomain "github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Clock clock.Clock
}

type repo struct {
	db    *gorm.DB
	clock clock.Clock
}

func Provide(p Params) orderdomain.RemoteStore {
	return &repo{db: p.DB, clock: p.Clock}
}

const tableColumns = `id, business_id, number, status, current_order_id, created_at, updated_at`
const orderColumns = `id, business_id, table_id, status, total, opened_at, closed_at, updated_at`
const itemColumns = `id, order_id, product_id, unit_price, quantity, subtotal, created_at, updated_at`

func (r *repo) ListTables(ctx context.Context, businessID snowflake.ID) ([]orderdomain.TableState, error) {
	var tables []orderdomain.Table
	if err := r.db.WithContext(ctx).Raw(
		`SELECT `+tableColumns+` FROM tables WHERE business_id = ? ORDER BY number ASC`,
		businessID,
	).Scan(&tables).Error; err != nil {
		return nil, wrap(err)
	}

	var orders []orderdomain.Order
	if err := r.db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE business_id = ? AND status = ?`,
		businessID,
		orderdomain.OrderStatusOpen,
	).Scan(&orders).Error; err != nil {
		return nil, wrap(err)
	}

	byID := make(map[snowflake.ID]*orderdomain.Order, len(orders))
	ids := make([]snowflake.ID, 0, len(orders))
	for i := range orders {
		byID[orders[i].ID] = &orders[i]
		ids = append(ids, orders[i].ID)
	}
	if len(ids) > 0 {
		var items []orderdomain.OrderItem
		if err := r.db.WithContext(ctx).Raw(
			`SELECT `+itemColumns+` FROM order_items WHERE order_id IN ? ORDER BY created_at ASC, id ASC`,
			ids,
		).Scan(&items).Error; err != nil {
			return nil, wrap(err)
		}
		for _, item := range items {
			if order := byID[item.OrderID]; order != nil {
				order.Items = append(order.Items, item)
			}
		}
	}

	out := make([]orderdomain.TableState, 0, len(tables))
	for _, table := range tables {
		state := orderdomain.TableState{Table: table}
		if table.CurrentOrderID != nil {
			if order := byID[*table.CurrentOrderID]; order != nil {
				order.Recalculate()
				state.Order = order
			}
		}
		out = append(out, state)
	}
	return out, nil
}

func (r *repo) GetTable(ctx context.Context, businessID, tableID snowflake.ID) (orderdomain.TableState, error) {
	var table orderdomain.Table
	if err := r.db.WithContext(ctx).Raw(
		`SELECT `+tableColumns+` FROM tables WHERE business_id = ? AND id = ?`,
		businessID,
		tableID,
	).Scan(&table).Error; err != nil {
		return orderdomain.TableState{}, wrap(err)
	}
	if table.ID == 0 {
		return orderdomain.TableState{}, orderdomain.ErrTableNotFound
	}

	state := orderdomain.TableState{Table: table}
	if table.CurrentOrderID == nil {
		return state, nil
	}
	order, err := r.GetOrderWithItems(ctx, *table.CurrentOrderID)
	switch {
	case errors.Is(err, orderdomain.ErrOrderNotFound):
		return state, nil
	case err != nil:
		return orderdomain.TableState{}, err
	}
	if order.IsOpen() {
		state.Order = &order
	}
	return state, nil
}

func (r *repo) GetOrderWithItems(ctx context.Context, orderID snowflake.ID) (orderdomain.Order, error) {
	var order orderdomain.Order
	if err := r.db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`,
		orderID,
	).Scan(&order).Error; err != nil {
		return orderdomain.Order{}, wrap(err)
	}
	if order.ID == 0 {
		return orderdomain.Order{}, orderdomain.ErrOrderNotFound
	}

	var items []orderdomain.OrderItem
	if err := r.db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+` FROM order_items WHERE order_id = ? ORDER BY created_at ASC, id ASC`,
		orderID,
	).Scan(&items).Error; err != nil {
		return orderdomain.Order{}, wrap(err)
	}
	order.Items = items
	order.Recalculate()
	return order, nil
}

func (r *repo) InsertTable(ctx context.Context, table orderdomain.Table) error {
	now := r.now()
	if table.CreatedAt.IsZero() {
		table.CreatedAt = now
	}
	table.UpdatedAt = now
	err := r.insertIgnore(r.db.WithContext(ctx), "tables", table.ID, &table)
	if db.IsDuplicateKeyErr(err) || errors.Is(err, errNotInserted) {
		return orderdomain.ErrDuplicateTableNumber
	}
	return wrap(err)
}

func (r *repo) UpdateTable(ctx context.Context, table orderdomain.Table) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE tables SET status = ?, current_order_id = ?, updated_at = ?
		WHERE business_id = ? AND id = ?`,
		table.Status,
		table.CurrentOrderID,
		r.now(),
		table.BusinessID,
		table.ID,
	)
	if result.Error != nil {
		return wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return orderdomain.ErrTableNotFound
	}
	return nil
}

func (r *repo) ReleaseTable(ctx context.Context, table orderdomain.Table, orderID snowflake.ID) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE tables SET status = ?, current_order_id = NULL, updated_at = ?
		WHERE business_id = ? AND id = ? AND current_order_id = ?
		AND NOT EXISTS (SELECT 1 FROM orders WHERE id = ? AND status = ?)`,
		orderdomain.TableStatusAvailable,
		r.now(),
		table.BusinessID,
		table.ID,
		orderID,
		orderID,
		orderdomain.OrderStatusOpen,
	)
	if result.Error != nil {
		return false, wrap(result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DeleteTable removes an available table. Deleting a table that is already gone
// succeeds so replays stay idempotent.
func (r *repo) DeleteTable(ctx context.Context, businessID, tableID snowflake.ID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var table orderdomain.Table
		if err := tx.Raw(
			`SELECT `+tableColumns+` FROM tables WHERE business_id = ? AND id = ?`,
			businessID,
			tableID,
		).Scan(&table).Error; err != nil {
			return wrap(err)
		}
		if table.ID == 0 {
			return nil
		}
		if table.Status != orderdomain.TableStatusAvailable || table.CurrentOrderID != nil {
			return orderdomain.ErrTableOccupied
		}
		return wrap(tx.Exec(`DELETE FROM tables WHERE business_id = ? AND id = ?`, businessID, tableID).Error)
	})
}

func (r *repo) InsertOrder(ctx context.Context, order orderdomain.Order) error {
	now := r.now()
	if order.OpenedAt.IsZero() {
		order.OpenedAt = now
	}
	order.UpdatedAt = now
	order.Items = nil
	err := r.insertIgnore(r.db.WithContext(ctx), "orders", order.ID, &order)
	// ux_orders_open_table allows one open order per table
	if db.IsDuplicateKeyErr(err) || errors.Is(err, errNotInserted) {
		return orderdomain.ErrOrderAlreadyOpen
	}
	return wrap(err)
}

func (r *repo) UpdateOrder(ctx context.Context, order orderdomain.Order) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE orders SET status = ?, total = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
		order.Status,
		order.Total,
		order.ClosedAt,
		r.now(),
		order.ID,
	)
	if result.Error != nil {
		return wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return orderdomain.ErrOrderNotFound
	}
	return nil
}

func (r *repo) InsertItem(ctx context.Context, item orderdomain.OrderItem) error {
	now := r.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Subtotal = item.LineTotal()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.insertIgnore(tx, "order_items", item.ID, &item); err != nil {
			return wrap(err)
		}
		return r.refreshTotal(tx, item.OrderID, now)
	})
}

func (r *repo) UpdateItem(ctx context.Context, item orderdomain.OrderItem) error {
	now := r.now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE order_items SET quantity = ?, subtotal = ?, updated_at = ? WHERE order_id = ? AND id = ?`,
			item.Quantity,
			item.LineTotal(),
			now,
			item.OrderID,
			item.ID,
		)
		if result.Error != nil {
			return wrap(result.Error)
		}
		if result.RowsAffected == 0 {
			return orderdomain.ErrItemNotFound
		}
		return r.refreshTotal(tx, item.OrderID, now)
	})
}

func (r *repo) DeleteItem(ctx context.Context, orderID, itemID snowflake.ID) error {
	now := r.now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`DELETE FROM order_items WHERE order_id = ? AND id = ?`,
			orderID,
			itemID,
		).Error; err != nil {
			return wrap(err)
		}
		return r.refreshTotal(tx, orderID, now)
	})
}

// errNotInserted is returned by insertIgnore when a conflict other than the
// primary key swallowed the row.
var errNotInserted = errors.New("row_not_inserted")

// insertIgnore creates row unless its id already exists, so replays succeed.
// gorm renders the conflict clause per dialect; MySQL's form also absorbs
// other unique keys, which is told apart by looking the id up.
func (r *repo) insertIgnore(tx *gorm.DB, table string, id snowflake.ID, row any) error {
	result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := tx.Table(table).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return errNotInserted
	}
	return nil
}

// refreshTotal keeps orders.total equal to the sum of its item subtotals.
func (r *repo) refreshTotal(tx *gorm.DB, orderID snowflake.ID, now time.Time) error {
	return wrap(tx.Exec(
		`UPDATE orders
		SET total = (SELECT COALESCE(SUM(subtotal), 0) FROM order_items WHERE order_id = ?), updated_at = ?
		WHERE id = ?`,
		orderID,
		now,
		orderID,
	).Error)
}

func (r *repo) now() time.Time {
	return r.clock.Now().UTC()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if db.IsUnavailableErr(err) {
		return fmt.Errorf("%w: %v", orderdomain.ErrRemoteUnavailable, err)
	}
	return err
}
