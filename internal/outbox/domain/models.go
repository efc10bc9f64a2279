package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusSyncing      Status = "syncing"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Event is one remote write made while the remote store was unreachable.
type Event struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	BusinessID snowflake.ID   `gorm:"not null;index" json:"business_id"`
	Kind       string         `gorm:"type:text;not null" json:"kind"`
	EntityType string         `gorm:"type:text;not null" json:"entity_type"`
	EntityID   snowflake.ID   `gorm:"not null" json:"entity_id"`
	OrderID    snowflake.ID   `gorm:"not null;default:0;index" json:"order_id,omitempty"`
	Payload    datatypes.JSON `gorm:"not null" json:"payload"`
	Status     Status         `gorm:"type:text;not null;index:ix_outbox_status_created,priority:1" json:"status"`
	// Replayed is false while the write exists only on this device and true
	// once it reached the remote store after the fact.
	Replayed  bool      `gorm:"not null;default:false" json:"replayed"`
	Attempts  int       `gorm:"not null;default:0" json:"attempts"`
	LastError *string   `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt time.Time `gorm:"not null;index:ix_outbox_status_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "outbox_events" }

// Age is how long the event has waited.
func (e Event) Age(now time.Time) time.Duration {
	if e.CreatedAt.IsZero() || now.Before(e.CreatedAt) {
		return 0
	}
	return now.Sub(e.CreatedAt)
}
