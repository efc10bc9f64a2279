package domain

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/settlement"
)

type IntentKind string

const (
	IntentAddItem         IntentKind = "add_item"
	IntentSetQuantity     IntentKind = "set_quantity"
	IntentRemoveItem      IntentKind = "remove_item"
	IntentOpenOrder       IntentKind = "open_order"
	IntentCloseOrder      IntentKind = "close_order"
	IntentCloseOrderSplit IntentKind = "close_order_split"
	IntentCreateTable     IntentKind = "create_table"
	IntentDeleteTable     IntentKind = "delete_table"
)

// Intent is an operator action. Fields unused by a kind are ignored.
type Intent struct {
	Kind    IntentKind   `json:"kind"`
	TableID snowflake.ID `json:"table_id,omitempty"`
	// OrderID optionally pins close intents to the order the operator saw.
	OrderID   snowflake.ID `json:"order_id,omitempty"`
	ItemID    snowflake.ID `json:"item_id,omitempty"`
	ProductID string       `json:"product_id,omitempty"`
	UnitPrice int64        `json:"unit_price,omitempty"`
	Quantity  int          `json:"quantity,omitempty"`
	Number    int          `json:"number,omitempty"`

	// close_order
	Method   settlement.PaymentMethod `json:"method,omitempty"`
	Tendered string                   `json:"tendered,omitempty"`

	// close_order_split
	Accounts   []settlement.SubAccount `json:"accounts,omitempty"`
	Allocation settlement.Allocation   `json:"allocation,omitempty"`
}

// Result is the outcome of a dispatched intent.
type Result struct {
	Kind    IntentKind           `json:"kind"`
	Version uint64               `json:"version"`
	State   *TableState          `json:"state,omitempty"`
	Settled []settlement.Settled `json:"settled,omitempty"`
	Queued  bool                 `json:"queued"`
}
