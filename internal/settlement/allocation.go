package settlement

import (
	"sort"

	"github.com/bwmarrin/snowflake"
)

// Item is an order line as seen by the allocator.
type Item struct {
	ID        snowflake.ID `json:"id"`
	ProductID string       `json:"product_id"`
	UnitPrice int64        `json:"unit_price"`
	Quantity  int          `json:"quantity"`
}

// AccountID identifies a sub-account within one settlement session. IDs start at 1.
type AccountID int

// Allocation maps item id to the quantity assigned to each sub-account.
type Allocation map[snowflake.ID]map[AccountID]int

// DefaultAllocation assigns every unit of every item to a single account.
func DefaultAllocation(items []Item, account AccountID) Allocation {
	out := make(Allocation, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		out[item.ID] = map[AccountID]int{account: item.Quantity}
	}
	return out
}

// Clone returns a deep copy.
func (a Allocation) Clone() Allocation {
	out := make(Allocation, len(a))
	for itemID, shares := range a {
		copied := make(map[AccountID]int, len(shares))
		for account, qty := range shares {
			copied[account] = qty
		}
		out[itemID] = copied
	}
	return out
}

// Assigned returns the quantity of an item assigned to an account.
func (a Allocation) Assigned(itemID snowflake.ID, account AccountID) int {
	return a[itemID][account]
}

// TotalAssigned returns the quantity of an item assigned across all accounts.
func (a Allocation) TotalAssigned(itemID snowflake.ID) int {
	total := 0
	for _, qty := range a[itemID] {
		total += qty
	}
	return total
}

// Assign sets the quantity of an item held by an account. Zero clears the share.
func (a Allocation) Assign(itemID snowflake.ID, account AccountID, qty int) (Allocation, error) {
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}
	out := a.Clone()
	shares, ok := out[itemID]
	if !ok {
		shares = map[AccountID]int{}
		out[itemID] = shares
	}
	if qty == 0 {
		delete(shares, account)
	} else {
		shares[account] = qty
	}
	return out, nil
}

// Move transfers qty units of an item from one account to another.
func (a Allocation) Move(itemID snowflake.ID, from, to AccountID, qty int) (Allocation, error) {
	if qty <= 0 || a.Assigned(itemID, from) < qty {
		return nil, ErrInvalidQuantity
	}
	if from == to {
		return a.Clone(), nil
	}
	out := a.Clone()
	shares := out[itemID]
	shares[from] -= qty
	if shares[from] == 0 {
		delete(shares, from)
	}
	shares[to] += qty
	return out, nil
}

// RemoveAccount drops an account and reassigns everything it held to the first
// remaining account in id order.
func (a Allocation) RemoveAccount(accounts []SubAccount, removed AccountID) (Allocation, []SubAccount, error) {
	remaining := make([]SubAccount, 0, len(accounts))
	found := false
	for _, account := range accounts {
		if account.ID == removed {
			found = true
			continue
		}
		remaining = append(remaining, account)
	}
	if !found {
		return nil, nil, ErrUnknownAccount
	}
	if len(remaining) == 0 {
		return nil, nil, ErrLastAccount
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })
	target := remaining[0].ID

	out := a.Clone()
	for _, shares := range out {
		qty, ok := shares[removed]
		if !ok {
			continue
		}
		delete(shares, removed)
		shares[target] += qty
	}
	return out, remaining, nil
}

// Item issue reasons.
const (
	IssueShortfall    = "shortfall"
	IssueSurplus      = "surplus"
	IssueInvalidShare = "invalid_share"
	IssueUnknownItem  = "unknown_item"
)

// ItemIssue reports an item whose assigned quantities do not cover it exactly,
// or a share that could never be paid: negative, larger than the line, or for
// an item the order does not have.
type ItemIssue struct {
	ItemID   snowflake.ID `json:"item_id"`
	Quantity int          `json:"quantity"`
	Assigned int          `json:"assigned"`
	Reason   string       `json:"reason"`
	// Account is set for invalid_share.
	Account AccountID `json:"account_id,omitempty"`
}

// Shortfall is positive when units are unassigned and negative on over-assignment.
func (i ItemIssue) Shortfall() int {
	return i.Quantity - i.Assigned
}

// Validate returns at most one issue per item, in item order, followed by
// allocation entries for unknown items in id order. Every share must satisfy
// 0 <= share <= quantity and the shares must sum to the quantity. An empty
// result means the allocation covers the order exactly.
func Validate(items []Item, alloc Allocation) []ItemIssue {
	var issues []ItemIssue
	known := make(map[snowflake.ID]struct{}, len(items))
	for _, item := range items {
		known[item.ID] = struct{}{}
		assigned := alloc.TotalAssigned(item.ID)
		if account, ok := invalidShare(alloc[item.ID], item.Quantity); ok {
			issues = append(issues, ItemIssue{ItemID: item.ID, Quantity: item.Quantity, Assigned: assigned, Reason: IssueInvalidShare, Account: account})
			continue
		}
		switch {
		case assigned < item.Quantity:
			issues = append(issues, ItemIssue{ItemID: item.ID, Quantity: item.Quantity, Assigned: assigned, Reason: IssueShortfall})
		case assigned > item.Quantity:
			issues = append(issues, ItemIssue{ItemID: item.ID, Quantity: item.Quantity, Assigned: assigned, Reason: IssueSurplus})
		}
	}

	var unknown []snowflake.ID
	for itemID := range alloc {
		if _, ok := known[itemID]; !ok && alloc.TotalAssigned(itemID) != 0 {
			unknown = append(unknown, itemID)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	for _, itemID := range unknown {
		issues = append(issues, ItemIssue{ItemID: itemID, Assigned: alloc.TotalAssigned(itemID), Reason: IssueUnknownItem})
	}
	return issues
}

// invalidShare returns the lowest account whose share is out of [0, quantity].
func invalidShare(shares map[AccountID]int, quantity int) (AccountID, bool) {
	var bad []AccountID
	for account, qty := range shares {
		if qty < 0 || qty > quantity {
			bad = append(bad, account)
		}
	}
	if len(bad) == 0 {
		return 0, false
	}
	sort.Slice(bad, func(i, j int) bool { return bad[i] < bad[j] })
	return bad[0], true
}

// Accounts returns every account holding a non-zero share, in id order.
func (a Allocation) Accounts() []AccountID {
	seen := map[AccountID]struct{}{}
	for _, shares := range a {
		for account, qty := range shares {
			if qty != 0 {
				seen[account] = struct{}{}
			}
		}
	}
	out := make([]AccountID, 0, len(seen))
	for account := range seen {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subtotals returns Σ assigned×unit_price per account. Accounts with nothing
// assigned are left out.
func Subtotals(items []Item, alloc Allocation) map[AccountID]int64 {
	out := map[AccountID]int64{}
	for _, item := range items {
		for account, qty := range alloc[item.ID] {
			if qty <= 0 {
				continue
			}
			out[account] += int64(qty) * item.UnitPrice
		}
	}
	return out
}
