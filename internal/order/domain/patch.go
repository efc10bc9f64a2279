package domain

import "github.com/bwmarrin/snowflake"

type PatchKind string

const (
	PatchUpsertTable  PatchKind = "upsert_table"
	PatchRemoveTable  PatchKind = "remove_table"
	PatchSetOrder     PatchKind = "set_order"
	PatchClearOrder   PatchKind = "clear_order"
	PatchUpsertItem   PatchKind = "upsert_item"
	PatchRemoveItem   PatchKind = "remove_item"
	PatchReplaceItems PatchKind = "replace_items"
)

// Patch is one change to a table's state. Build it with the constructors below.
type Patch struct {
	Kind    PatchKind
	Table   *Table
	Order   *Order
	Item    *OrderItem
	OrderID snowflake.ID
	ItemID  snowflake.ID
	Items   []OrderItem
}

func UpsertTable(t Table) Patch {
	return Patch{Kind: PatchUpsertTable, Table: &t}
}

func RemoveTable() Patch {
	return Patch{Kind: PatchRemoveTable}
}

// SetOrder installs an open order on the table. Passing nil items on an order
// already present keeps the current lines.
func SetOrder(o Order) Patch {
	return Patch{Kind: PatchSetOrder, Order: &o, OrderID: o.ID}
}

// ClearOrder detaches the order and makes the table available. A zero id clears
// whatever order is present.
func ClearOrder(orderID snowflake.ID) Patch {
	return Patch{Kind: PatchClearOrder, OrderID: orderID}
}

// UpsertItem inserts or replaces a line. Quantity zero removes it.
func UpsertItem(item OrderItem) Patch {
	return Patch{Kind: PatchUpsertItem, Item: &item, OrderID: item.OrderID, ItemID: item.ID}
}

func RemoveItem(orderID, itemID snowflake.ID) Patch {
	return Patch{Kind: PatchRemoveItem, OrderID: orderID, ItemID: itemID}
}

// ReplaceItems overwrites the full item list of an order.
func ReplaceItems(orderID snowflake.ID, items []OrderItem) Patch {
	return Patch{Kind: PatchReplaceItems, OrderID: orderID, Items: append([]OrderItem{}, items...)}
}

// Target names what a remote patch touches, for reconciliation.
type Target struct {
	TableID snowflake.ID
	OrderID snowflake.ID
}
