package settlement

import "errors"

var (
	ErrAllocationIncomplete      = errors.New("allocation_incomplete")
	ErrInsufficientTender        = errors.New("insufficient_tender")
	ErrInvalidTender             = errors.New("invalid_tender")
	ErrNoAssignedItems           = errors.New("no_assigned_items")
	ErrInvalidQuantity           = errors.New("invalid_quantity")
	ErrUnknownItem               = errors.New("unknown_item")
	ErrUnknownAccount            = errors.New("unknown_account")
	ErrDuplicateAccount          = errors.New("duplicate_account")
	ErrLastAccount               = errors.New("last_account")
	ErrInvalidDenominations      = errors.New("invalid_denominations")
	ErrNonCanonicalDenominations = errors.New("non_canonical_denominations")
)
