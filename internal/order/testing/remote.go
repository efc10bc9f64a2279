// Package testing provides an in-memory remote store with failure injection
// for exercising recovery paths.
package testing

import (
	"context"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/order/domain"
)

const (
	OpListTables        = "ListTables"
	OpGetTable          = "GetTable"
	OpGetOrderWithItems = "GetOrderWithItems"
	OpInsertTable       = "InsertTable"
	OpUpdateTable       = "UpdateTable"
	OpReleaseTable      = "ReleaseTable"
	OpDeleteTable       = "DeleteTable"
	OpInsertOrder       = "InsertOrder"
	OpUpdateOrder       = "UpdateOrder"
	OpInsertItem        = "InsertItem"
	OpUpdateItem        = "UpdateItem"
	OpDeleteItem        = "DeleteItem"
)

// Remote is a goroutine-safe domain.RemoteStore kept in maps.
type Remote struct {
	mu       sync.Mutex
	tables   map[snowflake.ID]domain.Table
	orders   map[snowflake.ID]domain.Order
	items    map[snowflake.ID]domain.OrderItem
	once     map[string][]error
	always   map[string]error
	calls    map[string]int
	inserted map[snowflake.ID]int64
	sequence int64

	// Before runs before every operation, outside the lock.
	Before func(op string)
}

func NewRemote() *Remote {
	return &Remote{
		tables:   make(map[snowflake.ID]domain.Table),
		orders:   make(map[snowflake.ID]domain.Order),
		items:    make(map[snowflake.ID]domain.OrderItem),
		once:     make(map[string][]error),
		always:   make(map[string]error),
		calls:    make(map[string]int),
		inserted: make(map[snowflake.ID]int64),
	}
}

// Seed stores a table state as if it had been written earlier.
func (r *Remote) Seed(state domain.TableState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[state.Table.ID] = state.Table
	if state.Order != nil {
		order := *state.Order
		for _, item := range order.Items {
			r.items[item.ID] = r.stamp(item)
		}
		order.Items = nil
		r.orders[order.ID] = order
	}
}

// FailOnce makes the next call of op return err.
func (r *Remote) FailOnce(op string, err error) {
	r.mu.Lock()
	r.once[op] = append(r.once[op], err)
	r.mu.Unlock()
}

// FailAlways makes every call of op return err until Recover.
func (r *Remote) FailAlways(op string, err error) {
	r.mu.Lock()
	r.always[op] = err
	r.mu.Unlock()
}

func (r *Remote) Recover(op string) {
	r.mu.Lock()
	delete(r.always, op)
	r.mu.Unlock()
}

// FailAll makes every operation return err until RecoverAll.
func (r *Remote) FailAll(err error) {
	for _, op := range []string{
		OpListTables, OpGetTable, OpGetOrderWithItems, OpInsertTable, OpUpdateTable, OpReleaseTable,
		OpDeleteTable, OpInsertOrder, OpUpdateOrder, OpInsertItem, OpUpdateItem, OpDeleteItem,
	} {
		r.FailAlways(op, err)
	}
}

func (r *Remote) RecoverAll() {
	r.mu.Lock()
	r.always = make(map[string]error)
	r.mu.Unlock()
}

func (r *Remote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Table returns the stored table row.
func (r *Remote) Table(id snowflake.ID) (domain.Table, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[id]
	return t, ok
}

// Order returns the stored order with its items.
func (r *Remote) Order(id snowflake.ID) (domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return r.withItems(o), true
}

func (r *Remote) enter(op string) error {
	if r.Before != nil {
		r.Before(op)
	}
	r.mu.Lock()
	r.calls[op]++
	if queued := r.once[op]; len(queued) > 0 {
		r.once[op] = queued[1:]
		r.mu.Unlock()
		return queued[0]
	}
	err := r.always[op]
	r.mu.Unlock()
	return err
}

func (r *Remote) ListTables(_ context.Context, businessID snowflake.ID) ([]domain.TableState, error) {
	if err := r.enter(OpListTables); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TableState, 0, len(r.tables))
	for _, t := range r.tables {
		if t.BusinessID == businessID {
			out = append(out, r.stateLocked(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table.Number < out[j].Table.Number })
	return out, nil
}

func (r *Remote) GetTable(_ context.Context, businessID, tableID snowflake.ID) (domain.TableState, error) {
	if err := r.enter(OpGetTable); err != nil {
		return domain.TableState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[tableID]
	if !ok || t.BusinessID != businessID {
		return domain.TableState{}, domain.ErrTableNotFound
	}
	return r.stateLocked(t), nil
}

func (r *Remote) GetOrderWithItems(_ context.Context, orderID snowflake.ID) (domain.Order, error) {
	if err := r.enter(OpGetOrderWithItems); err != nil {
		return domain.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.withItems(o), nil
}

func (r *Remote) InsertTable(_ context.Context, table domain.Table) error {
	if err := r.enter(OpInsertTable); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[table.ID]; ok {
		return nil
	}
	for _, t := range r.tables {
		if t.BusinessID == table.BusinessID && t.Number == table.Number {
			return domain.ErrDuplicateTableNumber
		}
	}
	r.tables[table.ID] = table
	return nil
}

func (r *Remote) UpdateTable(_ context.Context, table domain.Table) error {
	if err := r.enter(OpUpdateTable); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.tables[table.ID]
	if !ok {
		return domain.ErrTableNotFound
	}
	current.Status = table.Status
	current.CurrentOrderID = table.CurrentOrderID
	current.UpdatedAt = table.UpdatedAt
	r.tables[table.ID] = current
	return nil
}

func (r *Remote) ReleaseTable(_ context.Context, table domain.Table, orderID snowflake.ID) (bool, error) {
	if err := r.enter(OpReleaseTable); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.tables[table.ID]
	if !ok || current.BusinessID != table.BusinessID || current.CurrentOrderID == nil || *current.CurrentOrderID != orderID {
		return false, nil
	}
	if o, ok := r.orders[orderID]; ok && o.IsOpen() {
		return false, nil
	}
	current.Status = domain.TableStatusAvailable
	current.CurrentOrderID = nil
	current.UpdatedAt = table.UpdatedAt
	r.tables[table.ID] = current
	return true, nil
}

func (r *Remote) DeleteTable(_ context.Context, _, tableID snowflake.ID) error {
	if err := r.enter(OpDeleteTable); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[tableID]
	if !ok {
		return nil
	}
	if t.Status != domain.TableStatusAvailable || t.CurrentOrderID != nil {
		return domain.ErrTableOccupied
	}
	delete(r.tables, tableID)
	return nil
}

func (r *Remote) InsertOrder(_ context.Context, order domain.Order) error {
	if err := r.enter(OpInsertOrder); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return nil
	}
	for _, o := range r.orders {
		if o.TableID == order.TableID && o.IsOpen() && order.IsOpen() {
			return domain.ErrOrderAlreadyOpen
		}
	}
	order.Items = nil
	r.orders[order.ID] = order
	return nil
}

func (r *Remote) UpdateOrder(_ context.Context, order domain.Order) error {
	if err := r.enter(OpUpdateOrder); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	current.Status = order.Status
	current.Total = order.Total
	current.ClosedAt = order.ClosedAt
	current.UpdatedAt = order.UpdatedAt
	r.orders[order.ID] = current
	return nil
}

func (r *Remote) InsertItem(_ context.Context, item domain.OrderItem) error {
	if err := r.enter(OpInsertItem); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.ID]; ok {
		return nil
	}
	r.items[item.ID] = r.stamp(item)
	return nil
}

func (r *Remote) UpdateItem(_ context.Context, item domain.OrderItem) error {
	if err := r.enter(OpUpdateItem); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.items[item.ID]
	if !ok || current.OrderID != item.OrderID {
		return domain.ErrItemNotFound
	}
	current.Quantity = item.Quantity
	current.Subtotal = current.LineTotal()
	r.items[item.ID] = current
	return nil
}

func (r *Remote) DeleteItem(_ context.Context, orderID, itemID snowflake.ID) error {
	if err := r.enter(OpDeleteItem); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.items[itemID]; ok && current.OrderID == orderID {
		delete(r.items, itemID)
	}
	return nil
}

func (r *Remote) stateLocked(t domain.Table) domain.TableState {
	state := domain.TableState{Table: t}
	if t.CurrentOrderID == nil {
		return state
	}
	if o, ok := r.orders[*t.CurrentOrderID]; ok && o.IsOpen() {
		order := r.withItems(o)
		state.Order = &order
	}
	return state
}

// withItems attaches items in insertion order and recomputes the total.
func (r *Remote) withItems(o domain.Order) domain.Order {
	o.Items = make([]domain.OrderItem, 0)
	for _, item := range r.items {
		if item.OrderID == o.ID {
			o.Items = append(o.Items, item)
		}
	}
	sort.Slice(o.Items, func(i, j int) bool {
		a, b := r.inserted[o.Items[i].ID], r.inserted[o.Items[j].ID]
		if a != b {
			return a < b
		}
		return o.Items[i].ID < o.Items[j].ID
	})
	o.Recalculate()
	return o
}

func (r *Remote) stamp(item domain.OrderItem) domain.OrderItem {
	item.Subtotal = item.LineTotal()
	if _, ok := r.inserted[item.ID]; !ok {
		r.sequence++
		r.inserted[item.ID] = r.sequence
	}
	return item
}

var _ domain.RemoteStore = (*Remote)(nil)
