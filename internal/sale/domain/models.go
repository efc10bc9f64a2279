package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/settlement"
	"gorm.io/datatypes"
)

// Sale is the "sale completed" record written when an order, or one sub-account
// of a split order, is settled. Unique per (order, account); the label is
// display text only.
type Sale struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	BusinessID      snowflake.ID   `gorm:"not null;index" json:"business_id"`
	OrderID         snowflake.ID   `gorm:"not null;uniqueIndex:ux_sales_order_account,priority:1" json:"order_id"`
	AccountID       int64          `gorm:"not null;default:1;uniqueIndex:ux_sales_order_account,priority:2" json:"account_id"`
	TableID         snowflake.ID   `gorm:"not null" json:"table_id"`
	Label           string         `gorm:"type:text;not null" json:"label"`
	Method          string         `gorm:"type:text;not null" json:"method"`
	Currency        string         `gorm:"type:text;not null" json:"currency"`
	Amount          int64          `gorm:"not null" json:"amount"`
	Tendered        int64          `gorm:"not null" json:"tendered"`
	ChangeAmount    int64          `gorm:"not null;default:0" json:"change_amount"`
	ChangeBreakdown datatypes.JSON `json:"change_breakdown,omitempty"`
	OccurredAt      time.Time      `gorm:"not null" json:"occurred_at"`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Sale) TableName() string { return "sales" }

// Origin identifies the order a batch of sales settles.
type Origin struct {
	BusinessID snowflake.ID
	OrderID    snowflake.ID
	TableID    snowflake.ID
	Currency   string
	OccurredAt time.Time
}

// FromSettled builds one sale per settled sub-account. A single-payer order is
// labelled "sale".
func FromSettled(node *snowflake.Node, origin Origin, settled []settlement.Settled) []Sale {
	out := make([]Sale, 0, len(settled))
	for _, entry := range settled {
		label := "sale"
		if len(settled) > 1 {
			label = entry.Account.DisplayLabel()
		}
		sale := Sale{
			ID:         node.Generate(),
			BusinessID: origin.BusinessID,
			OrderID:    origin.OrderID,
			AccountID:  int64(entry.Account.ID),
			TableID:    origin.TableID,
			Label:      label,
			Method:     string(entry.Account.Method),
			Currency:   origin.Currency,
			Amount:     entry.Subtotal,
			Tendered:   entry.Tendered,
			OccurredAt: origin.OccurredAt.UTC(),
		}
		if entry.Change != nil {
			sale.ChangeAmount = entry.Change.Amount
			if raw, err := json.Marshal(entry.Change.Breakdown); err == nil {
				sale.ChangeBreakdown = datatypes.JSON(raw)
			}
		}
		out = append(out, sale)
	}
	return out
}
