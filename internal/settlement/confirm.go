package settlement

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PaymentMethod is how a sub-account pays.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodQRIS     PaymentMethod = "qris"
	MethodTransfer PaymentMethod = "transfer"
)

// Valid reports whether the method is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodQRIS, MethodTransfer:
		return true
	}
	return false
}

// SubAccount is one payer in a split bill. Tendered is only read for cash.
type SubAccount struct {
	ID       AccountID     `json:"id"`
	Label    string        `json:"label"`
	Method   PaymentMethod `json:"method"`
	Tendered string        `json:"tendered,omitempty"`
}

// DisplayLabel falls back to "Account N" when no label was entered.
func (a SubAccount) DisplayLabel() string {
	if label := strings.TrimSpace(a.Label); label != "" {
		return label
	}
	return fmt.Sprintf("Account %d", a.ID)
}

// Session is the full state of a split settlement for one order.
type Session struct {
	Items      []Item       `json:"items"`
	Accounts   []SubAccount `json:"accounts"`
	Allocation Allocation   `json:"allocation"`
}

// NewSession starts a settlement with one account holding every item.
func NewSession(items []Item, method PaymentMethod) Session {
	return Session{
		Items:      items,
		Accounts:   []SubAccount{{ID: 1, Method: method}},
		Allocation: DefaultAllocation(items, 1),
	}
}

// Settled is a confirmed sub-account ready to be written as a sale.
type Settled struct {
	Account  SubAccount `json:"account"`
	Subtotal int64      `json:"subtotal"`
	Tendered int64      `json:"tendered"`
	Change   *Change    `json:"change,omitempty"`
}

// AccountIssue reports a sub-account that blocks confirmation.
type AccountIssue struct {
	AccountID AccountID `json:"account_id"`
	Subtotal  int64     `json:"subtotal"`
	Tendered  int64     `json:"tendered"`
	Err       error     `json:"-"`
	Reason    string    `json:"reason"`
}

// ConfirmError lists everything that blocks a settlement. It matches
// ErrAllocationIncomplete, ErrNoAssignedItems, ErrUnknownAccount,
// ErrDuplicateAccount, ErrInvalidTender and ErrInsufficientTender through
// errors.Is.
type ConfirmError struct {
	Items    []ItemIssue
	Accounts []AccountIssue
	Empty    bool
}

func (e *ConfirmError) Error() string {
	if err := errors.Join(e.causes()...); err != nil {
		return err.Error()
	}
	return "settlement_not_confirmable"
}

func (e *ConfirmError) Unwrap() []error {
	return e.causes()
}

func (e *ConfirmError) causes() []error {
	var errs []error
	if len(e.Items) > 0 {
		errs = append(errs, ErrAllocationIncomplete)
	}
	if e.Empty {
		errs = append(errs, ErrNoAssignedItems)
	}
	seen := map[error]struct{}{}
	for _, issue := range e.Accounts {
		if _, ok := seen[issue.Err]; ok {
			continue
		}
		seen[issue.Err] = struct{}{}
		errs = append(errs, issue.Err)
	}
	return errs
}

// Confirm validates a session and returns one Settled per non-empty account in id
// order. Settlement is confirmable only when every item is covered exactly by
// shares held by declared accounts, account ids are unique, at least one
// account has an item, and every cash account tendered enough.
func Confirm(session Session, denominations []int64) ([]Settled, error) {
	cerr := &ConfirmError{Items: Validate(session.Items, session.Allocation)}
	cerr.Accounts = accountIssues(session.Accounts, session.Allocation)

	subtotals := Subtotals(session.Items, session.Allocation)
	accounts := append([]SubAccount(nil), session.Accounts...)
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	settled := make([]Settled, 0, len(accounts))
	for i, account := range accounts {
		if i > 0 && accounts[i-1].ID == account.ID {
			continue
		}
		subtotal, ok := subtotals[account.ID]
		if !ok {
			continue
		}
		entry := Settled{Account: account, Subtotal: subtotal}
		if account.Method == MethodCash {
			tendered, err := ParseTender(account.Tendered)
			if err != nil {
				cerr.Accounts = append(cerr.Accounts, AccountIssue{AccountID: account.ID, Subtotal: subtotal, Err: err, Reason: err.Error()})
				continue
			}
			change, err := ComputeChange(subtotal, tendered, denominations)
			if err != nil {
				cerr.Accounts = append(cerr.Accounts, AccountIssue{AccountID: account.ID, Subtotal: subtotal, Tendered: tendered, Err: err, Reason: err.Error()})
				continue
			}
			entry.Tendered = tendered
			entry.Change = &change
		} else {
			entry.Tendered = subtotal
		}
		settled = append(settled, entry)
	}
	if len(subtotals) == 0 {
		cerr.Empty = true
	}

	if len(cerr.Items) > 0 || len(cerr.Accounts) > 0 || cerr.Empty {
		return nil, cerr
	}
	return settled, nil
}

// accountIssues rejects account lists that would lose or double a payment:
// ids below 1, repeated ids, and shares held by an account nobody declared.
func accountIssues(accounts []SubAccount, alloc Allocation) []AccountIssue {
	var issues []AccountIssue
	declared := make(map[AccountID]struct{}, len(accounts))
	for _, account := range accounts {
		switch _, dup := declared[account.ID]; {
		case account.ID < 1:
			issues = append(issues, AccountIssue{AccountID: account.ID, Err: ErrUnknownAccount, Reason: ErrUnknownAccount.Error()})
		case dup:
			issues = append(issues, AccountIssue{AccountID: account.ID, Err: ErrDuplicateAccount, Reason: ErrDuplicateAccount.Error()})
		}
		declared[account.ID] = struct{}{}
	}
	for _, account := range alloc.Accounts() {
		if _, ok := declared[account]; !ok {
			issues = append(issues, AccountIssue{AccountID: account, Err: ErrUnknownAccount, Reason: ErrUnknownAccount.Error()})
		}
	}
	return issues
}

// Preview summarizes a session for display without requiring it to be confirmable.
type Preview struct {
	Total       int64               `json:"total"`
	Subtotals   map[AccountID]int64 `json:"subtotals"`
	Issues      []ItemIssue         `json:"issues,omitempty"`
	Accounts    []AccountIssue      `json:"account_issues,omitempty"`
	Settled     []Settled           `json:"settled,omitempty"`
	Confirmable bool                `json:"confirmable"`
}

func BuildPreview(session Session, denominations []int64) Preview {
	preview := Preview{Subtotals: Subtotals(session.Items, session.Allocation)}
	for _, item := range session.Items {
		preview.Total += int64(item.Quantity) * item.UnitPrice
	}
	settled, err := Confirm(session, denominations)
	if err == nil {
		preview.Settled = settled
		preview.Confirmable = true
		return preview
	}
	var cerr *ConfirmError
	if errors.As(err, &cerr) {
		preview.Issues = cerr.Items
		preview.Accounts = cerr.Accounts
	}
	return preview
}
