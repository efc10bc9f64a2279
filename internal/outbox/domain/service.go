package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Bridge is the narrow view of the outbox the order engine consumes.
type Bridge interface {
	ListPendingOrSyncing(ctx context.Context, limit int) ([]Event, error)
	// HasInFlightWork reports pending or syncing events of one order.
	HasInFlightWork(ctx context.Context, orderID snowflake.ID) (bool, error)
	// Queued fires after new events are enqueued. Signals coalesce.
	Queued() <-chan struct{}
}

type Repository interface {
	Bridge

	Enqueue(ctx context.Context, events []Event) error
	// Claim moves up to limit pending events to syncing, oldest first.
	Claim(ctx context.Context, limit int) ([]Event, error)
	MarkAcknowledged(ctx context.Context, id snowflake.ID) error
	// Release returns a syncing event to pending and counts the attempt.
	Release(ctx context.Context, id snowflake.ID, cause error) error
	MarkFailed(ctx context.Context, id snowflake.ID, cause error) error
	// ResetSyncing returns events left syncing by a crash to pending.
	ResetSyncing(ctx context.Context) (int64, error)
	CountPending(ctx context.Context) (int64, error)
	Get(ctx context.Context, id snowflake.ID) (Event, error)
}

// Executor replays stored events against the remote store.
type Executor interface {
	Replay(ctx context.Context, event Event) error
	// Drained is called when a replay pass leaves nothing pending.
	Drained(ctx context.Context)
}

var (
	ErrEmptyBatch    = errors.New("empty_outbox_batch")
	ErrEventNotFound = errors.New("outbox_event_not_found")
	ErrInvalidEvent  = errors.New("invalid_outbox_event")
)
