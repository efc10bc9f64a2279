package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// RemoteStore is the shared database every till writes through. Failures that
// mean the store could not be reached wrap ErrRemoteUnavailable.
type RemoteStore interface {
	ListTables(ctx context.Context, businessID snowflake.ID) ([]TableState, error)
	GetTable(ctx context.Context, businessID, tableID snowflake.ID) (TableState, error)
	GetOrderWithItems(ctx context.Context, orderID snowflake.ID) (Order, error)

	InsertTable(ctx context.Context, table Table) error
	UpdateTable(ctx context.Context, table Table) error
	// ReleaseTable writes the vacated table only while it still points at
	// orderID and that order is no longer open. It reports whether it wrote.
	ReleaseTable(ctx context.Context, table Table, orderID snowflake.ID) (bool, error)
	DeleteTable(ctx context.Context, businessID, tableID snowflake.ID) error

	InsertOrder(ctx context.Context, order Order) error
	UpdateOrder(ctx context.Context, order Order) error

	InsertItem(ctx context.Context, item OrderItem) error
	UpdateItem(ctx context.Context, item OrderItem) error
	DeleteItem(ctx context.Context, orderID, itemID snowflake.ID) error
}
