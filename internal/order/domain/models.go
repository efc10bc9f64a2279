package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TableStatus string

const (
	TableStatusAvailable TableStatus = "available"
	TableStatusOccupied  TableStatus = "occupied"
)

type OrderStatus string

const (
	OrderStatusOpen   OrderStatus = "open"
	OrderStatusClosed OrderStatus = "closed"
)

// Table is a physical seating unit. It hosts at most one open order.
type Table struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	BusinessID     snowflake.ID  `gorm:"not null;uniqueIndex:ux_tables_business_number,priority:1" json:"business_id"`
	Number         int           `gorm:"not null;uniqueIndex:ux_tables_business_number,priority:2" json:"number"`
	Status         TableStatus   `gorm:"type:text;not null" json:"status"`
	CurrentOrderID *snowflake.ID `json:"current_order_id,omitempty"`
	CreatedAt      time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Table) TableName() string { return "tables" }

// Vacated returns a copy marked available with no current order.
func (t Table) Vacated(at time.Time) Table {
	t.Status = TableStatusAvailable
	t.CurrentOrderID = nil
	t.UpdatedAt = at
	return t
}

// Occupied returns a copy pointing at the given order.
func (t Table) Occupied(orderID snowflake.ID, at time.Time) Table {
	t.Status = TableStatusOccupied
	t.CurrentOrderID = &orderID
	t.UpdatedAt = at
	return t
}

type Order struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	BusinessID snowflake.ID `gorm:"not null;index" json:"business_id"`
	TableID    snowflake.ID `gorm:"not null;index" json:"table_id"`
	Status     OrderStatus  `gorm:"type:text;not null" json:"status"`
	Total      int64        `gorm:"not null;default:0" json:"total"`
	OpenedAt   time.Time    `gorm:"not null" json:"opened_at"`
	ClosedAt   *time.Time   `json:"closed_at,omitempty"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
	Items      []OrderItem  `gorm:"-" json:"items"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// IsOpen reports whether the order still accepts items.
func (o *Order) IsOpen() bool {
	return o != nil && o.Status == OrderStatusOpen
}

// Item returns the line with the given id.
func (o *Order) Item(id snowflake.ID) (OrderItem, bool) {
	if o == nil {
		return OrderItem{}, false
	}
	for _, item := range o.Items {
		if item.ID == id {
			return item, true
		}
	}
	return OrderItem{}, false
}

// ItemForProduct returns the line already holding the product, if any.
func (o *Order) ItemForProduct(productID string) (OrderItem, bool) {
	if o == nil {
		return OrderItem{}, false
	}
	for _, item := range o.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return OrderItem{}, false
}

// Recalculate refreshes every subtotal and the order total.
func (o *Order) Recalculate() {
	if o == nil {
		return
	}
	var total int64
	for i := range o.Items {
		o.Items[i].Subtotal = o.Items[i].LineTotal()
		total += o.Items[i].Subtotal
	}
	o.Total = total
}

// Clone deep-copies the order including its items.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	if o.ClosedAt != nil {
		closedAt := *o.ClosedAt
		out.ClosedAt = &closedAt
	}
	out.Items = append([]OrderItem(nil), o.Items...)
	return &out
}

type OrderItem struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID   snowflake.ID `gorm:"not null;index" json:"order_id"`
	ProductID string       `gorm:"type:text;not null" json:"product_id"`
	UnitPrice int64        `gorm:"not null" json:"unit_price"`
	Quantity  int          `gorm:"not null" json:"quantity"`
	Subtotal  int64        `gorm:"not null" json:"subtotal"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (OrderItem) TableName() string { return "order_items" }

// LineTotal is quantity × unit price.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// TableState is a table together with its open order, if any.
type TableState struct {
	Table Table  `json:"table"`
	Order *Order `json:"order,omitempty"`
}

// Clone deep-copies the state.
func (s TableState) Clone() TableState {
	out := TableState{Table: s.Table, Order: s.Order.Clone()}
	if s.Table.CurrentOrderID != nil {
		id := *s.Table.CurrentOrderID
		out.Table.CurrentOrderID = &id
	}
	return out
}

// Dangling reports a table still pointing at an order that is closed or gone,
// left behind when a close wrote the order but not the table.
func (s TableState) Dangling() bool {
	return s.Table.CurrentOrderID != nil && s.Order == nil
}

// Snapshot is the full rendered state of every table at one store version.
type Snapshot struct {
	Version uint64       `json:"version"`
	Tables  []TableState `json:"tables"`
}
