package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Record inserts sales, skipping any (order, account) already written, and
	// returns how many rows were new.
	Record(ctx context.Context, sales []Sale) (int, error)
	ListByOrder(ctx context.Context, orderID snowflake.ID) ([]Sale, error)
}

var (
	ErrInvalidBusiness = errors.New("invalid_business")
	ErrInvalidOrder    = errors.New("invalid_order")
	ErrInvalidLabel    = errors.New("invalid_label")
	ErrInvalidAccount  = errors.New("invalid_account")
	ErrInvalidMethod   = errors.New("invalid_method")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidCurrency = errors.New("invalid_currency")
)
