package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/warung/internal/clock"
	orderdomain "github.com/smallbiznis/warung/internal/order/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const businessID snowflake.ID = 1

func setupRepo(t *testing.T) (orderdomain.RemoteStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&orderdomain.Table{}, &orderdomain.Order{}, &orderdomain.OrderItem{}))

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC))
	return Provide(Params{DB: db, Clock: fake}), db
}

func seedOrder(t *testing.T, store orderdomain.RemoteStore, tableID, orderID snowflake.ID, number int) {
	t.Helper()
	ctx := context.Background()
	table := orderdomain.Table{ID: tableID, BusinessID: businessID, Number: number, Status: orderdomain.TableStatusAvailable}
	require.NoError(t, store.InsertTable(ctx, table))
	require.NoError(t, store.InsertOrder(ctx, orderdomain.Order{
		ID:         orderID,
		BusinessID: businessID,
		TableID:    tableID,
		Status:     orderdomain.OrderStatusOpen,
	}))
	require.NoError(t, store.UpdateTable(ctx, table.Occupied(orderID, time.Now())))
}

func TestItemWritesKeepOrderTotal(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()
	seedOrder(t, store, 10, 20, 1)

	require.NoError(t, store.InsertItem(ctx, orderdomain.OrderItem{ID: 1, OrderID: 20, ProductID: "nasi-goreng", UnitPrice: 15000, Quantity: 2}))
	require.NoError(t, store.InsertItem(ctx, orderdomain.OrderItem{ID: 2, OrderID: 20, ProductID: "es-teh", UnitPrice: 4000, Quantity: 1}))

	order, err := store.GetOrderWithItems(ctx, 20)
	require.NoError(t, err)
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(34000), order.Total)

	require.NoError(t, store.UpdateItem(ctx, orderdomain.OrderItem{ID: 2, OrderID: 20, UnitPrice: 4000, Quantity: 3}))
	require.NoError(t, store.DeleteItem(ctx, 20, 1))

	order, err = store.GetOrderWithItems(ctx, 20)
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 3, order.Items[0].Quantity)
	assert.Equal(t, int64(12000), order.Items[0].Subtotal)
	assert.Equal(t, int64(12000), order.Total)
}

func TestInsertsAreIdempotent(t *testing.T) {
	store, db := setupRepo(t)
	ctx := context.Background()
	seedOrder(t, store, 10, 20, 1)

	item := orderdomain.OrderItem{ID: 1, OrderID: 20, ProductID: "kopi", UnitPrice: 8000, Quantity: 1}
	require.NoError(t, store.InsertItem(ctx, item))
	require.NoError(t, store.InsertItem(ctx, item))

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM order_items WHERE order_id = ?`, 20).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestInsertTableRejectsDuplicateNumber(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, store.InsertTable(ctx, orderdomain.Table{ID: 10, BusinessID: businessID, Number: 4, Status: orderdomain.TableStatusAvailable}))
	err := store.InsertTable(ctx, orderdomain.Table{ID: 11, BusinessID: businessID, Number: 4, Status: orderdomain.TableStatusAvailable})
	require.ErrorIs(t, err, orderdomain.ErrDuplicateTableNumber)
}

func TestGetTableLoadsOpenOrder(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()
	seedOrder(t, store, 10, 20, 1)
	require.NoError(t, store.InsertItem(ctx, orderdomain.OrderItem{ID: 1, OrderID: 20, ProductID: "kopi", UnitPrice: 8000, Quantity: 2}))

	state, err := store.GetTable(ctx, businessID, 10)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.TableStatusOccupied, state.Table.Status)
	require.NotNil(t, state.Order)
	assert.Equal(t, snowflake.ID(20), state.Order.ID)
	assert.Equal(t, int64(16000), state.Order.Total)

	_, err = store.GetTable(ctx, businessID, 99)
	require.ErrorIs(t, err, orderdomain.ErrTableNotFound)
	_, err = store.GetOrderWithItems(ctx, 99)
	require.ErrorIs(t, err, orderdomain.ErrOrderNotFound)
}

func TestClosedOrderIsNotAttached(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()
	seedOrder(t, store, 10, 20, 1)

	closedAt := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateOrder(ctx, orderdomain.Order{ID: 20, Status: orderdomain.OrderStatusClosed, ClosedAt: &closedAt}))

	states, err := store.ListTables(ctx, businessID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Nil(t, states[0].Order)

	err = store.UpdateOrder(ctx, orderdomain.Order{ID: 404, Status: orderdomain.OrderStatusClosed})
	require.ErrorIs(t, err, orderdomain.ErrOrderNotFound)
}

func TestListTablesOrdersByNumber(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()
	for i, id := range []snowflake.ID{30, 10, 20} {
		require.NoError(t, store.InsertTable(ctx, orderdomain.Table{ID: id, BusinessID: businessID, Number: 3 - i, Status: orderdomain.TableStatusAvailable}))
	}
	require.NoError(t, store.InsertTable(ctx, orderdomain.Table{ID: 40, BusinessID: 2, Number: 1, Status: orderdomain.TableStatusAvailable}))

	states, err := store.ListTables(ctx, businessID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{states[0].Table.Number, states[1].Table.Number, states[2].Table.Number})
}

func TestDeleteTable(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()
	seedOrder(t, store, 10, 20, 1)

	require.ErrorIs(t, store.DeleteTable(ctx, businessID, 10), orderdomain.ErrTableOccupied)

	require.NoError(t, store.InsertTable(ctx, orderdomain.Table{ID: 11, BusinessID: businessID, Number: 2, Status: orderdomain.TableStatusAvailable}))
	require.NoError(t, store.DeleteTable(ctx, businessID, 11))
	require.NoError(t, store.DeleteTable(ctx, businessID, 11))

	_, err := store.GetTable(ctx, businessID, 11)
	require.ErrorIs(t, err, orderdomain.ErrTableNotFound)
}

func TestUpdateMissingRows(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()

	err := store.UpdateTable(ctx, orderdomain.Table{ID: 1, BusinessID: businessID, Status: orderdomain.TableStatusAvailable})
	require.ErrorIs(t, err, orderdomain.ErrTableNotFound)
	err = store.UpdateItem(ctx, orderdomain.OrderItem{ID: 1, OrderID: 2, Quantity: 1})
	require.ErrorIs(t, err, orderdomain.ErrItemNotFound)
}

func TestInsertTableAndOrderReplays(t *testing.T) {
	store, db := setupRepo(t)
	ctx := context.Background()

	table := orderdomain.Table{ID: 10, BusinessID: businessID, Number: 1, Status: orderdomain.TableStatusAvailable}
	require.NoError(t, store.InsertTable(ctx, table))
	require.NoError(t, store.InsertTable(ctx, table))

	order := orderdomain.Order{ID: 20, BusinessID: businessID, TableID: 10, Status: orderdomain.OrderStatusOpen}
	require.NoError(t, store.InsertOrder(ctx, order))
	require.NoError(t, store.InsertOrder(ctx, order))

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM orders WHERE table_id = ?`, 10).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestReleaseTableOnlyVacatesClosedOrder(t *testing.T) {
	store, _ := setupRepo(t)
	ctx := context.Background()
	seedOrder(t, store, 10, 20, 1)
	vacated := orderdomain.Table{ID: 10, BusinessID: businessID, Number: 1}.Vacated(time.Now())

	released, err := store.ReleaseTable(ctx, vacated, 20)
	require.NoError(t, err)
	assert.False(t, released)

	closedAt := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateOrder(ctx, orderdomain.Order{ID: 20, Status: orderdomain.OrderStatusClosed, ClosedAt: &closedAt}))

	released, err = store.ReleaseTable(ctx, vacated, 99)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.ReleaseTable(ctx, vacated, 20)
	require.NoError(t, err)
	assert.True(t, released)

	state, err := store.GetTable(ctx, businessID, 10)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.TableStatusAvailable, state.Table.Status)
	assert.Nil(t, state.Table.CurrentOrderID)
}
