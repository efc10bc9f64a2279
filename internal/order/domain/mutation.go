package domain

import (
	"github.com/bwmarrin/snowflake"
	saledomain "github.com/smallbiznis/warung/internal/sale/domain"
)

type MutationKind string

const (
	MutationInsertTable MutationKind = "insert_table"
	MutationDeleteTable MutationKind = "delete_table"
	MutationUpdateTable MutationKind = "update_table"
	MutationInsertOrder MutationKind = "insert_order"
	MutationUpdateOrder MutationKind = "update_order"
	MutationInsertItem  MutationKind = "insert_item"
	MutationUpdateItem  MutationKind = "update_item"
	MutationDeleteItem  MutationKind = "delete_item"
	MutationRecordSales MutationKind = "record_sales"
)

// Mutation is one remote write. It is executed directly when online and stored
// as an outbox payload when offline, so it must round-trip through JSON.
type Mutation struct {
	ID    snowflake.ID      `json:"id"`
	Kind  MutationKind      `json:"kind"`
	Table *Table            `json:"table,omitempty"`
	Order *Order            `json:"order,omitempty"`
	Item  *OrderItem        `json:"item,omitempty"`
	Sales []saledomain.Sale `json:"sales,omitempty"`
}

// Entity returns the entity type and id the mutation targets.
func (m Mutation) Entity() (string, snowflake.ID) {
	switch {
	case m.Item != nil:
		return "order_item", m.Item.ID
	case m.Order != nil:
		return "order", m.Order.ID
	case m.Table != nil:
		return "table", m.Table.ID
	case len(m.Sales) > 0:
		return "order", m.Sales[0].OrderID
	}
	return "", 0
}

// OrderID returns the order the mutation belongs to, or zero for table-only writes.
func (m Mutation) OrderID() snowflake.ID {
	switch {
	case m.Item != nil:
		return m.Item.OrderID
	case m.Order != nil:
		return m.Order.ID
	case len(m.Sales) > 0:
		return m.Sales[0].OrderID
	case m.Table != nil && m.Table.CurrentOrderID != nil:
		return *m.Table.CurrentOrderID
	}
	return 0
}
