package store

import (
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/order/domain"
)

var errStale = errors.New("stale_patch")

// mode decides how strictly a patch is checked. Local patches come from this
// till's operator and must respect every invariant; remote patches describe
// writes already accepted by the shared store and are applied leniently.
type mode int

const (
	modeLocal mode = iota
	modeRemote
)

// apply mutates st in place. It returns removed=true for PatchRemoveTable.
func apply(st *domain.TableState, p domain.Patch, m mode) (removed bool, err error) {
	switch p.Kind {
	case domain.PatchUpsertTable:
		if p.Table == nil {
			return false, domain.ErrInvalidPatch
		}
		st.Table = *p.Table
		if st.Order != nil && (st.Table.CurrentOrderID == nil || *st.Table.CurrentOrderID != st.Order.ID) {
			st.Order = nil
		}
	case domain.PatchRemoveTable:
		return true, nil
	case domain.PatchSetOrder:
		return false, setOrder(st, p, m)
	case domain.PatchClearOrder:
		if p.OrderID != 0 && (st.Order == nil || st.Order.ID != p.OrderID) {
			if m == modeLocal {
				return false, domain.ErrOrderNotOpen
			}
			return false, nil
		}
		st.Order = nil
		st.Table.Status = domain.TableStatusAvailable
		st.Table.CurrentOrderID = nil
	case domain.PatchUpsertItem:
		if p.Item == nil {
			return false, domain.ErrInvalidPatch
		}
		return false, upsertItem(st, *p.Item, m)
	case domain.PatchRemoveItem:
		if !ownsOrder(st, p.OrderID) {
			return false, orderMismatch(m)
		}
		removeItem(st.Order, p.ItemID)
	case domain.PatchReplaceItems:
		if !ownsOrder(st, p.OrderID) {
			return false, orderMismatch(m)
		}
		for _, item := range p.Items {
			if item.Quantity < 0 {
				return false, domain.ErrInvalidQuantity
			}
		}
		items := make([]domain.OrderItem, 0, len(p.Items))
		for _, item := range p.Items {
			if item.Quantity > 0 {
				items = append(items, item)
			}
		}
		st.Order.Items = items
	default:
		return false, domain.ErrInvalidPatch
	}
	st.Order.Recalculate()
	return false, nil
}

func setOrder(st *domain.TableState, p domain.Patch, m mode) error {
	if p.Order == nil {
		return domain.ErrInvalidPatch
	}
	incoming := p.Order.Clone()
	if !incoming.IsOpen() {
		// A closed order never sits on a table.
		if st.Order != nil && st.Order.ID == incoming.ID {
			st.Order = nil
			st.Table.Status = domain.TableStatusAvailable
			st.Table.CurrentOrderID = nil
		}
		return nil
	}
	if st.Order != nil && st.Order.ID != incoming.ID && m == modeLocal {
		return domain.ErrOrderAlreadyOpen
	}
	if st.Order != nil && st.Order.ID == incoming.ID && incoming.Items == nil {
		incoming.Items = st.Order.Items
	}
	for _, item := range incoming.Items {
		if item.Quantity < 0 {
			return domain.ErrInvalidQuantity
		}
	}
	incoming.TableID = st.Table.ID
	st.Order = incoming
	st.Table.Status = domain.TableStatusOccupied
	id := incoming.ID
	st.Table.CurrentOrderID = &id
	return nil
}

func upsertItem(st *domain.TableState, item domain.OrderItem, m mode) error {
	if item.Quantity < 0 {
		return domain.ErrInvalidQuantity
	}
	if !ownsOrder(st, item.OrderID) {
		return orderMismatch(m)
	}
	if item.Quantity == 0 {
		removeItem(st.Order, item.ID)
		return nil
	}
	item.Subtotal = item.LineTotal()
	for i := range st.Order.Items {
		if st.Order.Items[i].ID == item.ID {
			st.Order.Items[i] = item
			return nil
		}
	}
	st.Order.Items = append(st.Order.Items, item)
	return nil
}

func removeItem(order *domain.Order, itemID snowflake.ID) {
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			order.Items = append(order.Items[:i], order.Items[i+1:]...)
			return
		}
	}
}

func ownsOrder(st *domain.TableState, orderID snowflake.ID) bool {
	return st.Order != nil && st.Order.ID == orderID && st.Order.IsOpen()
}

// orderMismatch rejects local patches for an order that is not on the table.
// Remote patches for such orders are stale and silently dropped.
func orderMismatch(m mode) error {
	if m == modeLocal {
		return domain.ErrOrderNotOpen
	}
	return errStale
}

// sameState compares what the operator sees: timestamps are ignored.
func sameState(a, b domain.TableState) bool {
	if a.Table.ID != b.Table.ID || a.Table.Number != b.Table.Number || a.Table.Status != b.Table.Status {
		return false
	}
	if !sameID(a.Table.CurrentOrderID, b.Table.CurrentOrderID) {
		return false
	}
	if (a.Order == nil) != (b.Order == nil) {
		return false
	}
	if a.Order == nil {
		return true
	}
	if a.Order.ID != b.Order.ID || a.Order.Status != b.Order.Status || a.Order.Total != b.Order.Total {
		return false
	}
	if len(a.Order.Items) != len(b.Order.Items) {
		return false
	}
	for i := range a.Order.Items {
		x, y := a.Order.Items[i], b.Order.Items[i]
		if x.ID != y.ID || x.ProductID != y.ProductID || x.UnitPrice != y.UnitPrice || x.Quantity != y.Quantity {
			return false
		}
	}
	return true
}

func sameID(a, b *snowflake.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
