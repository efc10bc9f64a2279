package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/warung/internal/clock"
	"github.com/smallbiznis/warung/internal/config"
	"github.com/smallbiznis/warung/internal/order/domain"
	"github.com/smallbiznis/warung/internal/order/realtime"
	"github.com/smallbiznis/warung/internal/order/store"
	ordertesting "github.com/smallbiznis/warung/internal/order/testing"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	"github.com/smallbiznis/warung/internal/outbox/replay"
	outboxrepository "github.com/smallbiznis/warung/internal/outbox/repository"
	saledomain "github.com/smallbiznis/warung/internal/sale/domain"
	saleservice "github.com/smallbiznis/warung/internal/sale/service"
	"github.com/smallbiznis/warung/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

const (
	businessID snowflake.ID = 1
	tableID    snowflake.ID = 10
	orderID    snowflake.ID = 20
)

var errBoom = errors.New("boom")

type fixture struct {
	gateway *Gateway
	store   *store.Store
	guard   *realtime.Guard
	remote  *ordertesting.Remote
	outbox  outboxdomain.Repository
	salesDB *gorm.DB
	clock   *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithFilter(t, nil)
}

// newFixtureWithFilter lets a test wrap the guard the store consults.
func newFixtureWithFilter(t *testing.T, wrap func(*realtime.Guard) store.RemoteFilter) *fixture {
	t.Helper()
	fake := clock.NewFakeClock(now)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	settings, err := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	require.NoError(t, err)

	salesDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s-sales?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, salesDB.AutoMigrate(&saledomain.Sale{}))

	outboxDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s-outbox?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, outboxDB.AutoMigrate(&outboxdomain.Event{}))
	outbox := outboxrepository.Provide(outboxrepository.Params{DB: outboxDB, Clock: fake})

	guard := realtime.NewGuard(realtime.GuardParams{Log: zap.NewNop(), Clock: fake, Settings: settings})
	var filter store.RemoteFilter = guard
	if wrap != nil {
		filter = wrap(guard)
	}
	st := store.New(store.Params{Log: zap.NewNop(), Filter: filter})
	remote := ordertesting.NewRemote()

	g := New(Params{
		Config:   config.Config{BusinessID: int64(businessID), DeviceID: "till-1", RemoteTimeout: time.Second},
		Settings: settings,
		Log:      zap.NewNop(),
		Clock:    fake,
		GenID:    node,
		Store:    st,
		Remote:   remote,
		Sales:    saleservice.NewService(saleservice.Params{DB: salesDB, Log: zap.NewNop(), GenID: node, Clock: fake}),
		Guard:    guard,
		Outbox:   outbox,
	})
	return &fixture{gateway: g, store: st, guard: guard, remote: remote, outbox: outbox, salesDB: salesDB, clock: fake}
}

func (f *fixture) seed(t *testing.T, state domain.TableState) {
	t.Helper()
	f.remote.Seed(state)
	require.NoError(t, f.gateway.Sync(context.Background()))
}

func (f *fixture) seedOpenOrder(t *testing.T, items ...domain.OrderItem) {
	t.Helper()
	table := domain.Table{ID: tableID, BusinessID: businessID, Number: 1, Status: domain.TableStatusAvailable, CreatedAt: now, UpdatedAt: now}
	order := domain.Order{ID: orderID, BusinessID: businessID, TableID: tableID, Status: domain.OrderStatusOpen, OpenedAt: now, UpdatedAt: now, Items: items}
	f.seed(t, domain.TableState{Table: table.Occupied(orderID, now), Order: &order})
}

func (f *fixture) state(t *testing.T) domain.TableState {
	t.Helper()
	st, ok := f.store.GetTable(tableID)
	require.True(t, ok)
	return st
}

func (f *fixture) saleCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.salesDB.Model(&saledomain.Sale{}).Count(&count).Error)
	return count
}

func kopi(id snowflake.ID, qty int) domain.OrderItem {
	return domain.OrderItem{ID: id, OrderID: orderID, ProductID: "kopi", UnitPrice: 8000, Quantity: qty}
}

func TestAddItemSumsExistingLineAndKeepsPrice(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))
	ctx := context.Background()

	res, err := f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, ProductID: "kopi", UnitPrice: 9000, Quantity: 2})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	require.NotNil(t, res.State)
	require.Len(t, res.State.Order.Items, 1)
	assert.Equal(t, 3, res.State.Order.Items[0].Quantity)
	assert.Equal(t, int64(24000), res.State.Order.Total)

	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, ProductID: "es-teh", UnitPrice: 4000, Quantity: 1})
	require.NoError(t, err)

	remote, ok := f.remote.Order(orderID)
	require.True(t, ok)
	require.Len(t, remote.Items, 2)
	assert.Equal(t, 3, remote.Items[0].Quantity)
	assert.Equal(t, int64(28000), f.state(t).Order.Total)
}

func TestAddItemRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t)
	ctx := context.Background()

	_, err := f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, ProductID: "kopi", UnitPrice: 8000})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, UnitPrice: 8000, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)
	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentSetQuantity, TableID: tableID, ItemID: 1, Quantity: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: "refund"})
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
}

func TestSetQuantityRollsBackOnRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))
	f.remote.FailOnce(ordertesting.OpUpdateItem, errBoom)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentSetQuantity, TableID: tableID, ItemID: 1, Quantity: 4})
	require.ErrorIs(t, err, domain.ErrRemoteWriteFailed)

	st := f.state(t)
	require.Len(t, st.Order.Items, 1)
	assert.Equal(t, 1, st.Order.Items[0].Quantity)
	assert.Equal(t, int64(8000), st.Order.Total)
}

func TestAddNewItemRollbackRemovesLine(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))
	f.remote.FailOnce(ordertesting.OpInsertItem, errBoom)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, ProductID: "es-teh", UnitPrice: 4000, Quantity: 1})
	require.ErrorIs(t, err, domain.ErrRemoteWriteFailed)
	assert.Len(t, f.state(t).Order.Items, 1)
}

func TestSetQuantityZeroRemovesItem(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1), domain.OrderItem{ID: 2, OrderID: orderID, ProductID: "es-teh", UnitPrice: 4000, Quantity: 2})

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentSetQuantity, TableID: tableID, ItemID: 1})
	require.NoError(t, err)

	st := f.state(t)
	require.Len(t, st.Order.Items, 1)
	assert.Equal(t, int64(8000), st.Order.Total)
	remote, _ := f.remote.Order(orderID)
	assert.Len(t, remote.Items, 1)
}

func TestRemoveItemRefetchesOnRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1), domain.OrderItem{ID: 2, OrderID: orderID, ProductID: "es-teh", UnitPrice: 4000, Quantity: 2})
	f.remote.FailOnce(ordertesting.OpDeleteItem, errBoom)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentRemoveItem, TableID: tableID, ItemID: 2})
	require.ErrorIs(t, err, domain.ErrRemoteWriteFailed)

	assert.Equal(t, 1, f.remote.Calls(ordertesting.OpGetOrderWithItems))
	st := f.state(t)
	assert.Len(t, st.Order.Items, 2)
	assert.Equal(t, int64(16000), st.Order.Total)
}

func TestItemLeaseRejectsConcurrentEdit(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.remote.Before = func(op string) {
		if op == ordertesting.OpUpdateItem {
			once.Do(func() {
				close(entered)
				<-proceed
			})
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentSetQuantity, TableID: tableID, ItemID: 1, Quantity: 2})
		done <- err
	}()
	<-entered

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentSetQuantity, TableID: tableID, ItemID: 1, Quantity: 5})
	assert.ErrorIs(t, err, domain.ErrItemBusy)

	close(proceed)
	require.NoError(t, <-done)
	assert.Equal(t, 2, f.state(t).Order.Items[0].Quantity)
}

func TestOpenOrderOccupiesTable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.TableState{Table: domain.Table{ID: tableID, BusinessID: businessID, Number: 1, Status: domain.TableStatusAvailable}})

	res, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentOpenOrder, TableID: tableID})
	require.NoError(t, err)
	require.NotNil(t, res.State.Order)
	assert.Equal(t, domain.TableStatusOccupied, res.State.Table.Status)

	remoteTable, ok := f.remote.Table(tableID)
	require.True(t, ok)
	require.NotNil(t, remoteTable.CurrentOrderID)
	assert.Equal(t, res.State.Order.ID, *remoteTable.CurrentOrderID)

	_, err = f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentOpenOrder, TableID: tableID})
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyOpen)
}

func TestOpenOrderResyncFindsTableGone(t *testing.T) {
	f := newFixture(t)
	f.store.Load([]domain.TableState{{Table: domain.Table{ID: tableID, BusinessID: businessID, Number: 1, Status: domain.TableStatusAvailable}}})
	f.remote.FailOnce(ordertesting.OpInsertOrder, errBoom)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentOpenOrder, TableID: tableID})
	require.ErrorIs(t, err, domain.ErrTableNotFound)
	_, ok := f.store.GetTable(tableID)
	assert.False(t, ok)
}

func TestCloseOrderCashRecordsSaleAndVacates(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 2))

	res, err := f.gateway.Dispatch(context.Background(), domain.Intent{
		Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCash, Tendered: "20.000",
	})
	require.NoError(t, err)
	require.Len(t, res.Settled, 1)
	require.NotNil(t, res.Settled[0].Change)
	assert.Equal(t, int64(4000), res.Settled[0].Change.Amount)

	st := f.state(t)
	assert.Nil(t, st.Order)
	assert.Equal(t, domain.TableStatusAvailable, st.Table.Status)
	assert.Equal(t, realtime.PhaseLocalClosing, f.guard.Phase(tableID))

	order, ok := f.remote.Order(orderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusClosed, order.Status)
	table, _ := f.remote.Table(tableID)
	assert.Nil(t, table.CurrentOrderID)
	assert.Equal(t, int64(1), f.saleCount(t))
}

func TestCloseOrderRejectsUnpayableSettlement(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 2))
	ctx := context.Background()

	_, err := f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCash, Tendered: "10.000"})
	assert.ErrorIs(t, err, settlement.ErrInsufficientTender)
	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCash, Tendered: "sepuluh"})
	assert.ErrorIs(t, err, settlement.ErrInvalidTender)

	assert.NotNil(t, f.state(t).Order)
	assert.Equal(t, int64(0), f.saleCount(t))
}

func TestCloseEmptyOrderRejected(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCard})
	assert.ErrorIs(t, err, domain.ErrEmptyOrder)
}

func TestCloseOrderSplitRecordsOneSalePerAccount(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 2), domain.OrderItem{ID: 2, OrderID: orderID, ProductID: "es-teh", UnitPrice: 4000, Quantity: 1})

	alloc := settlement.Allocation{
		1: {1: 1, 2: 1},
		2: {2: 1},
	}
	res, err := f.gateway.Dispatch(context.Background(), domain.Intent{
		Kind:    domain.IntentCloseOrderSplit,
		TableID: tableID,
		Accounts: []settlement.SubAccount{
			{ID: 1, Label: "Andi", Method: settlement.MethodCash, Tendered: "10000"},
			{ID: 2, Label: "Budi", Method: settlement.MethodQRIS},
		},
		Allocation: alloc,
	})
	require.NoError(t, err)
	require.Len(t, res.Settled, 2)
	assert.Equal(t, int64(8000), res.Settled[0].Subtotal)
	assert.Equal(t, int64(12000), res.Settled[1].Subtotal)
	assert.Equal(t, int64(2), f.saleCount(t))
}

func TestCloseOrderSplitRejectsIncompleteAllocation(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 2))

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{
		Kind:       domain.IntentCloseOrderSplit,
		TableID:    tableID,
		Accounts:   []settlement.SubAccount{{ID: 1, Method: settlement.MethodCard}},
		Allocation: settlement.Allocation{1: {1: 1}},
	})
	assert.ErrorIs(t, err, settlement.ErrAllocationIncomplete)
	assert.NotNil(t, f.state(t).Order)
}

func TestConcurrentCloseHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.remote.Before = func(op string) {
		if op == ordertesting.OpUpdateOrder {
			once.Do(func() {
				close(entered)
				<-proceed
			})
		}
	}

	intent := domain.Intent{Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCard}
	done := make(chan error, 1)
	go func() {
		_, err := f.gateway.Dispatch(context.Background(), intent)
		done <- err
	}()
	<-entered

	_, err := f.gateway.Dispatch(context.Background(), intent)
	assert.ErrorIs(t, err, domain.ErrConcurrentCloseRejected)
	_, err = f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, ProductID: "kopi", UnitPrice: 8000, Quantity: 1})
	assert.Error(t, err)

	close(proceed)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), f.saleCount(t))
}

func TestCloseOrderResyncsOnRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))
	f.remote.FailOnce(ordertesting.OpUpdateOrder, errBoom)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCard})
	require.ErrorIs(t, err, domain.ErrRemoteWriteFailed)

	st := f.state(t)
	require.NotNil(t, st.Order)
	assert.Equal(t, orderID, st.Order.ID)
	assert.Equal(t, domain.TableStatusOccupied, st.Table.Status)
	assert.Equal(t, 1, f.remote.Calls(ordertesting.OpGetTable))
}

func TestOfflineWritesQueueAndReplay(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))
	ctx := context.Background()
	f.remote.FailAll(fmt.Errorf("%w: connection refused", domain.ErrRemoteUnavailable))

	res, err := f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, ProductID: "es-teh", UnitPrice: 4000, Quantity: 1})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.True(t, f.gateway.Offline())
	assert.Len(t, f.state(t).Order.Items, 2)

	calls := f.remote.Calls(ordertesting.OpUpdateItem)
	res, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentSetQuantity, TableID: tableID, ItemID: 1, Quantity: 3})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, calls, f.remote.Calls(ordertesting.OpUpdateItem))

	blocked, err := f.gateway.SettlementBlocked(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, blocked)

	replayer := replay.New(replay.Params{
		Config:   replay.Config{Interval: time.Second, BatchSize: 10},
		Repo:     f.outbox,
		Executor: f.gateway,
		Clock:    f.clock,
		Log:      zap.NewNop(),
	})

	summary, err := replayer.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Deferred)
	assert.True(t, f.gateway.Offline())

	f.remote.RecoverAll()
	summary, err = replayer.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Acknowledged)
	assert.Equal(t, int64(0), summary.Remaining)
	assert.False(t, f.gateway.Offline())

	order, ok := f.remote.Order(orderID)
	require.True(t, ok)
	require.Len(t, order.Items, 2)
	assert.Equal(t, 3, order.Items[0].Quantity)
	assert.Equal(t, int64(28000), f.state(t).Order.Total)

	blocked, err = f.gateway.SettlementBlocked(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestCreateAndDeleteTable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, domain.TableState{Table: domain.Table{ID: tableID, BusinessID: businessID, Number: 1, Status: domain.TableStatusAvailable}})
	ctx := context.Background()

	res, err := f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentCreateTable})
	require.NoError(t, err)
	require.NotNil(t, res.State)
	assert.Equal(t, 2, res.State.Table.Number)
	_, ok := f.remote.Table(res.State.Table.ID)
	assert.True(t, ok)

	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentCreateTable, Number: 1})
	assert.ErrorIs(t, err, domain.ErrDuplicateTableNumber)
	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentCreateTable, Number: -4})
	assert.ErrorIs(t, err, domain.ErrInvalidTableNumber)

	_, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentDeleteTable, TableID: res.State.Table.ID})
	require.NoError(t, err)
	_, ok = f.store.GetTable(res.State.Table.ID)
	assert.False(t, ok)
	_, ok = f.remote.Table(res.State.Table.ID)
	assert.False(t, ok)
}

func TestDeleteOccupiedTableRejected(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentDeleteTable, TableID: tableID})
	assert.ErrorIs(t, err, domain.ErrTableOccupied)
}

func TestCreateTableRollsBackRemoteDuplicate(t *testing.T) {
	f := newFixture(t)
	f.remote.Seed(domain.TableState{Table: domain.Table{ID: 99, BusinessID: businessID, Number: 5, Status: domain.TableStatusAvailable}})

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentCreateTable, Number: 5})
	require.ErrorIs(t, err, domain.ErrDuplicateTableNumber)
	assert.Empty(t, f.store.Snapshot().Tables)
}

func TestPreviewReportsShortfall(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 2))

	preview, err := f.gateway.Preview(tableID, []settlement.SubAccount{{ID: 1, Method: settlement.MethodCard}}, settlement.Allocation{1: {1: 1}})
	require.NoError(t, err)
	assert.False(t, preview.Confirmable)
	require.Len(t, preview.Issues, 1)
	assert.Equal(t, int64(16000), preview.Total)

	_, err = f.gateway.Preview(404, nil, nil)
	assert.ErrorIs(t, err, domain.ErrTableNotFound)
}

func TestCloseOrderSplitRejectsUndeclaredAccount(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 3))

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{
		Kind:       domain.IntentCloseOrderSplit,
		TableID:    tableID,
		Accounts:   []settlement.SubAccount{{ID: 1, Method: settlement.MethodCard}},
		Allocation: settlement.Allocation{1: {1: 1, 7: 2}},
	})
	require.ErrorIs(t, err, settlement.ErrUnknownAccount)

	st := f.state(t)
	require.NotNil(t, st.Order)
	assert.Equal(t, domain.TableStatusOccupied, st.Table.Status)
	assert.Equal(t, int64(0), f.saleCount(t))
}

func TestCloseOrderSplitRejectsNegativeShareAndDuplicateAccount(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 3))
	ctx := context.Background()
	accounts := []settlement.SubAccount{{ID: 1, Method: settlement.MethodCard}, {ID: 2, Method: settlement.MethodCard}}

	_, err := f.gateway.Dispatch(ctx, domain.Intent{
		Kind:       domain.IntentCloseOrderSplit,
		TableID:    tableID,
		Accounts:   accounts,
		Allocation: settlement.Allocation{1: {1: 4, 2: -1}},
	})
	assert.ErrorIs(t, err, settlement.ErrAllocationIncomplete)

	_, err = f.gateway.Dispatch(ctx, domain.Intent{
		Kind:       domain.IntentCloseOrderSplit,
		TableID:    tableID,
		Accounts:   []settlement.SubAccount{{ID: 1, Method: settlement.MethodCard}, {ID: 1, Method: settlement.MethodCard}},
		Allocation: settlement.Allocation{1: {1: 3}},
	})
	assert.ErrorIs(t, err, settlement.ErrDuplicateAccount)

	assert.NotNil(t, f.state(t).Order)
	assert.Equal(t, int64(0), f.saleCount(t))
}

func TestCloseOrderSplitSameLabelsRecordBothSales(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 2))

	res, err := f.gateway.Dispatch(context.Background(), domain.Intent{
		Kind:    domain.IntentCloseOrderSplit,
		TableID: tableID,
		Accounts: []settlement.SubAccount{
			{ID: 1, Label: "Andi", Method: settlement.MethodCard},
			{ID: 2, Label: "Andi", Method: settlement.MethodQRIS},
		},
		Allocation: settlement.Allocation{1: {1: 1, 2: 1}},
	})
	require.NoError(t, err)
	require.Len(t, res.Settled, 2)
	assert.Equal(t, int64(2), f.saleCount(t))
}

func TestCloseOrderFinishesVacateAfterTableWriteFails(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 2))
	ctx := context.Background()
	f.remote.FailOnce(ordertesting.OpUpdateTable, errBoom)

	res, err := f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCard})
	require.NoError(t, err)
	require.Len(t, res.Settled, 1)
	assert.Equal(t, 1, f.remote.Calls(ordertesting.OpReleaseTable))

	st := f.state(t)
	assert.Nil(t, st.Order)
	assert.Nil(t, st.Table.CurrentOrderID)
	assert.Equal(t, domain.TableStatusAvailable, st.Table.Status)
	table, _ := f.remote.Table(tableID)
	assert.Nil(t, table.CurrentOrderID)
	assert.Equal(t, domain.TableStatusAvailable, table.Status)
	assert.Equal(t, int64(1), f.saleCount(t))

	res, err = f.gateway.Dispatch(ctx, domain.Intent{Kind: domain.IntentOpenOrder, TableID: tableID})
	require.NoError(t, err)
	require.NotNil(t, res.State.Order)
	assert.NotEqual(t, orderID, res.State.Order.ID)
}

func closedOrderState() domain.TableState {
	closedAt := now.Add(-time.Minute)
	table := domain.Table{ID: tableID, BusinessID: businessID, Number: 1, Status: domain.TableStatusAvailable, CreatedAt: now, UpdatedAt: now}
	order := domain.Order{ID: orderID, BusinessID: businessID, TableID: tableID, Status: domain.OrderStatusClosed, OpenedAt: now.Add(-time.Hour), ClosedAt: &closedAt, UpdatedAt: closedAt}
	return domain.TableState{Table: table.Occupied(orderID, now), Order: &order}
}

func TestSyncReleasesTableLeftOnClosedOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, closedOrderState())

	st := f.state(t)
	assert.Nil(t, st.Table.CurrentOrderID)
	assert.Equal(t, domain.TableStatusAvailable, st.Table.Status)
	table, _ := f.remote.Table(tableID)
	assert.Nil(t, table.CurrentOrderID)

	_, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentOpenOrder, TableID: tableID})
	require.NoError(t, err)
}

func TestOpenOrderReleasesTableLeftOnClosedOrder(t *testing.T) {
	f := newFixture(t)
	f.remote.FailOnce(ordertesting.OpReleaseTable, errBoom)
	f.seed(t, closedOrderState())
	require.True(t, f.state(t).Dangling())

	res, err := f.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentOpenOrder, TableID: tableID})
	require.NoError(t, err)
	require.NotNil(t, res.State.Order)
	assert.Equal(t, domain.TableStatusOccupied, res.State.Table.Status)

	table, _ := f.remote.Table(tableID)
	require.NotNil(t, table.CurrentOrderID)
	assert.Equal(t, res.State.Order.ID, *table.CurrentOrderID)
}

// closeDuringAdmit starts a close of the table while a remote verdict is
// pending and waits briefly for it to finish.
type closeDuringAdmit struct {
	inner   store.RemoteFilter
	gateway *Gateway
	once    sync.Once
	done    chan error
}

func (c *closeDuringAdmit) Admit(target domain.Target, patch domain.Patch, current *domain.TableState) store.Decision {
	c.once.Do(func() {
		go func() {
			_, err := c.gateway.Dispatch(context.Background(), domain.Intent{Kind: domain.IntentCloseOrder, TableID: tableID, Method: settlement.MethodCard})
			c.done <- err
		}()
		select {
		case err := <-c.done:
			c.done <- err
		case <-time.After(50 * time.Millisecond):
		}
	})
	return c.inner.Admit(target, patch, current)
}

func TestStaleRemoteOrderCannotReopenClosingTable(t *testing.T) {
	filter := &closeDuringAdmit{done: make(chan error, 1)}
	f := newFixtureWithFilter(t, func(g *realtime.Guard) store.RemoteFilter {
		filter.inner = g
		return filter
	})
	filter.gateway = f.gateway
	f.seedOpenOrder(t, kopi(1, 1))

	stale := domain.Order{ID: orderID, BusinessID: businessID, TableID: tableID, Status: domain.OrderStatusOpen, OpenedAt: now, UpdatedAt: now}
	_, err := f.store.ApplyRemotePatch(domain.Target{TableID: tableID, OrderID: orderID}, domain.SetOrder(stale))
	require.NoError(t, err)
	require.NoError(t, <-filter.done)

	st := f.state(t)
	assert.Nil(t, st.Order)
	assert.Equal(t, domain.TableStatusAvailable, st.Table.Status)

	outcome, err := f.store.ApplyRemotePatch(domain.Target{TableID: tableID, OrderID: orderID}, domain.SetOrder(stale))
	require.NoError(t, err)
	assert.False(t, outcome.Apply)
	assert.Nil(t, f.state(t).Order)
}

func TestSettlementBlockedOnlyByOwnOrder(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t, kopi(1, 1))
	ctx := context.Background()

	queued := func(id, order snowflake.ID) outboxdomain.Event {
		return outboxdomain.Event{
			ID:         id,
			BusinessID: businessID,
			Kind:       string(domain.MutationUpdateItem),
			EntityType: "order_item",
			EntityID:   id,
			OrderID:    order,
			Payload:    datatypes.JSON(`{}`),
		}
	}
	require.NoError(t, f.outbox.Enqueue(ctx, []outboxdomain.Event{queued(900, 99)}))
	blocked, err := f.gateway.SettlementBlocked(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, f.outbox.Enqueue(ctx, []outboxdomain.Event{queued(901, orderID)}))
	blocked, err = f.gateway.SettlementBlocked(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestItemSequencesKeepTotalEqualToSubtotals(t *testing.T) {
	f := newFixture(t)
	f.seedOpenOrder(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	products := []struct {
		id    string
		price int64
	}{{"kopi", 8000}, {"es-teh", 4000}, {"roti", 6000}, {"nasi-goreng", 15000}}

	for step := 0; step < 150; step++ {
		items := f.state(t).Order.Items
		fail := rng.Intn(5) == 0
		var intent domain.Intent
		switch op := rng.Intn(3); {
		case op == 0 || len(items) == 0:
			p := products[rng.Intn(len(products))]
			intent = domain.Intent{Kind: domain.IntentAddItem, TableID: tableID, ProductID: p.id, UnitPrice: p.price, Quantity: 1 + rng.Intn(3)}
			if fail {
				op := ordertesting.OpInsertItem
				for _, item := range items {
					if item.ProductID == p.id {
						op = ordertesting.OpUpdateItem
					}
				}
				f.remote.FailOnce(op, errBoom)
			}
		case op == 1:
			item := items[rng.Intn(len(items))]
			intent = domain.Intent{Kind: domain.IntentSetQuantity, TableID: tableID, ItemID: item.ID, Quantity: rng.Intn(5)}
			if fail {
				op := ordertesting.OpUpdateItem
				if intent.Quantity == 0 {
					op = ordertesting.OpDeleteItem
				}
				f.remote.FailOnce(op, errBoom)
			}
		default:
			item := items[rng.Intn(len(items))]
			intent = domain.Intent{Kind: domain.IntentRemoveItem, TableID: tableID, ItemID: item.ID}
			if fail {
				f.remote.FailOnce(ordertesting.OpDeleteItem, errBoom)
			}
		}

		_, err := f.gateway.Dispatch(ctx, intent)
		if fail {
			require.ErrorIs(t, err, domain.ErrRemoteWriteFailed, "step %d %s", step, intent.Kind)
		} else {
			require.NoError(t, err, "step %d %s", step, intent.Kind)
		}

		local := f.state(t).Order
		var sum int64
		quantities := map[snowflake.ID]int{}
		for _, item := range local.Items {
			require.Equal(t, item.LineTotal(), item.Subtotal, "step %d", step)
			require.Positive(t, item.Quantity, "step %d", step)
			sum += item.Subtotal
			quantities[item.ID] = item.Quantity
		}
		require.Equal(t, sum, local.Total, "step %d", step)

		remote, ok := f.remote.Order(orderID)
		require.True(t, ok)
		require.Equal(t, local.Total, remote.Total, "step %d", step)
		remoteQuantities := map[snowflake.ID]int{}
		for _, item := range remote.Items {
			remoteQuantities[item.ID] = item.Quantity
		}
		require.Equal(t, remoteQuantities, quantities, "step %d", step)
	}
}
