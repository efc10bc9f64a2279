package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/clock"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const maxErrorLength = 512

type Params struct {
	fx.In

	DB    *gorm.DB `name:"outbox"`
	Clock clock.Clock
}

type repo struct {
	db     *gorm.DB
	clock  clock.Clock
	queued chan struct{}
}

func Provide(p Params) outboxdomain.Repository {
	return &repo{db: p.DB, clock: p.Clock, queued: make(chan struct{}, 1)}
}

// Bridge narrows the repository for the order engine.
func Bridge(r outboxdomain.Repository) outboxdomain.Bridge {
	return r
}

const eventColumns = `id, business_id, kind, entity_type, entity_id, order_id, payload, status, replayed, attempts, last_error, created_at, updated_at`

func (r *repo) Enqueue(ctx context.Context, events []outboxdomain.Event) error {
	if len(events) == 0 {
		return outboxdomain.ErrEmptyBatch
	}
	now := r.now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, ev := range events {
			if ev.ID == 0 || len(ev.Payload) == 0 {
				return outboxdomain.ErrInvalidEvent
			}
			// keep batch order stable when the clock does not move
			created := ev.CreatedAt
			if created.IsZero() {
				created = now.Add(time.Duration(i) * time.Microsecond)
			}
			if err := tx.Exec(
				`INSERT INTO outbox_events (`+eventColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, false, 0, NULL, ?, ?)
				ON CONFLICT (id) DO NOTHING`,
				ev.ID,
				ev.BusinessID,
				ev.Kind,
				ev.EntityType,
				ev.EntityID,
				ev.OrderID,
				ev.Payload,
				outboxdomain.StatusPending,
				created.UTC(),
				now,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case r.queued <- struct{}{}:
	default:
	}
	return nil
}

func (r *repo) Queued() <-chan struct{} {
	return r.queued
}

func (r *repo) ListPendingOrSyncing(ctx context.Context, limit int) ([]outboxdomain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxdomain.Event
	err := r.db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM outbox_events
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		outboxdomain.StatusPending,
		outboxdomain.StatusSyncing,
		limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) HasInFlightWork(ctx context.Context, orderID snowflake.ID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM outbox_events WHERE order_id = ? AND status IN (?, ?)`,
		orderID,
		outboxdomain.StatusPending,
		outboxdomain.StatusSyncing,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) Claim(ctx context.Context, limit int) ([]outboxdomain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outboxdomain.Event
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT `+eventColumns+` FROM outbox_events
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?`,
			outboxdomain.StatusPending,
			limit,
		).Scan(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
			rows[i].Status = outboxdomain.StatusSyncing
		}
		return tx.Exec(
			`UPDATE outbox_events SET status = ?, updated_at = ? WHERE id IN ? AND status = ?`,
			outboxdomain.StatusSyncing,
			r.now(),
			ids,
			outboxdomain.StatusPending,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) MarkAcknowledged(ctx context.Context, id snowflake.ID) error {
	return r.update(ctx,
		`UPDATE outbox_events SET status = ?, replayed = true, last_error = NULL, updated_at = ? WHERE id = ?`,
		outboxdomain.StatusAcknowledged, r.now(), id,
	)
}

// Release with a nil cause requeues an event that was never tried.
func (r *repo) Release(ctx context.Context, id snowflake.ID, cause error) error {
	if cause == nil {
		return r.update(ctx,
			`UPDATE outbox_events SET status = ?, updated_at = ? WHERE id = ?`,
			outboxdomain.StatusPending, r.now(), id,
		)
	}
	return r.update(ctx,
		`UPDATE outbox_events SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		outboxdomain.StatusPending, errorText(cause), r.now(), id,
	)
}

func (r *repo) MarkFailed(ctx context.Context, id snowflake.ID, cause error) error {
	return r.update(ctx,
		`UPDATE outbox_events SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		outboxdomain.StatusFailed, errorText(cause), r.now(), id,
	)
}

func (r *repo) ResetSyncing(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE outbox_events SET status = ?, updated_at = ? WHERE status = ?`,
		outboxdomain.StatusPending,
		r.now(),
		outboxdomain.StatusSyncing,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM outbox_events WHERE status IN (?, ?)`,
		outboxdomain.StatusPending,
		outboxdomain.StatusSyncing,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Get(ctx context.Context, id snowflake.ID) (outboxdomain.Event, error) {
	var ev outboxdomain.Event
	if err := r.db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`,
		id,
	).Scan(&ev).Error; err != nil {
		return outboxdomain.Event{}, err
	}
	if ev.ID == 0 {
		return outboxdomain.Event{}, outboxdomain.ErrEventNotFound
	}
	return ev, nil
}

func (r *repo) update(ctx context.Context, sql string, values ...any) error {
	result := r.db.WithContext(ctx).Exec(sql, values...)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return outboxdomain.ErrEventNotFound
	}
	return nil
}

func (r *repo) now() time.Time {
	return r.clock.Now().UTC()
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return &msg
}
