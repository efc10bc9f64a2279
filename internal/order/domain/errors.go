package domain

import "errors"

var (
	ErrInvalidQuantity         = errors.New("invalid_quantity")
	ErrRemoteWriteFailed       = errors.New("remote_write_failed")
	ErrRemoteUnavailable       = errors.New("remote_unavailable")
	ErrConcurrentCloseRejected = errors.New("concurrent_close_rejected")
	ErrItemBusy                = errors.New("item_busy")
	ErrTableBusy               = errors.New("table_busy")
	ErrEmptyOrder              = errors.New("empty_order")
	ErrOrderAlreadyOpen        = errors.New("order_already_open")
	ErrOrderNotOpen            = errors.New("order_not_open")
	ErrOrderNotFound           = errors.New("order_not_found")
	ErrItemNotFound            = errors.New("item_not_found")
	ErrTableNotFound           = errors.New("table_not_found")
	ErrTableOccupied           = errors.New("table_occupied")
	ErrDuplicateTableNumber    = errors.New("duplicate_table_number")
	ErrInvalidTableNumber      = errors.New("invalid_table_number")
	ErrInvalidIntent           = errors.New("invalid_intent")
	ErrInvalidProduct          = errors.New("invalid_product")
	ErrInvalidPrice            = errors.New("invalid_price")
	ErrInvalidPatch            = errors.New("invalid_patch")
)
