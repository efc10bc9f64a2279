package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/warung/internal/clock"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var start = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

func setupRepo(t *testing.T) (outboxdomain.Repository, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&outboxdomain.Event{}))

	fake := clock.NewFakeClock(start)
	return Provide(Params{DB: db, Clock: fake}), fake
}

func event(id snowflake.ID) outboxdomain.Event {
	return outboxdomain.Event{
		ID:         id,
		BusinessID: 1,
		Kind:       "insert_item",
		EntityType: "order_item",
		EntityID:   id,
		OrderID:    20,
		Payload:    datatypes.JSON(`{"kind":"insert_item"}`),
	}
}

func TestEnqueueClaimsInCreationOrder(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, []outboxdomain.Event{event(30), event(10), event(20)}))
	select {
	case <-repo.Queued():
	default:
		t.Fatal("expected queued signal")
	}

	claimed, err := repo.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, snowflake.ID(30), claimed[0].ID)
	assert.Equal(t, snowflake.ID(10), claimed[1].ID)
	assert.Equal(t, outboxdomain.StatusSyncing, claimed[0].Status)

	inflight, err := repo.ListPendingOrSyncing(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, inflight, 3)

	next, err := repo.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, snowflake.ID(20), next[0].ID)
}

func TestEnqueueRejectsEmptyAndInvalid(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	require.ErrorIs(t, repo.Enqueue(ctx, nil), outboxdomain.ErrEmptyBatch)
	bad := event(1)
	bad.Payload = nil
	require.ErrorIs(t, repo.Enqueue(ctx, []outboxdomain.Event{bad}), outboxdomain.ErrInvalidEvent)
}

func TestStatusTransitions(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Enqueue(ctx, []outboxdomain.Event{event(1), event(2), event(3)}))
	_, err := repo.Claim(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, repo.MarkAcknowledged(ctx, 1))
	require.NoError(t, repo.Release(ctx, 2, errors.New("remote_unavailable")))
	require.NoError(t, repo.MarkFailed(ctx, 3, errors.New("order_not_found")))

	acked, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, outboxdomain.StatusAcknowledged, acked.Status)
	assert.True(t, acked.Replayed)

	released, err := repo.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, outboxdomain.StatusPending, released.Status)
	assert.Equal(t, 1, released.Attempts)
	require.NotNil(t, released.LastError)
	assert.Equal(t, "remote_unavailable", *released.LastError)
	assert.False(t, released.Replayed)

	failed, err := repo.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, outboxdomain.StatusFailed, failed.Status)

	pending, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	_, err = repo.Get(ctx, 99)
	require.ErrorIs(t, err, outboxdomain.ErrEventNotFound)
	require.ErrorIs(t, repo.MarkAcknowledged(ctx, 99), outboxdomain.ErrEventNotFound)
}

func TestReleaseWithoutCauseKeepsAttempts(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Enqueue(ctx, []outboxdomain.Event{event(1)}))
	_, err := repo.Claim(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, repo.Release(ctx, 1, nil))
	ev, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Attempts)
	assert.Equal(t, outboxdomain.StatusPending, ev.Status)
}

func TestHasInFlightWorkIsScopedToOrder(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	other := event(1)
	other.OrderID = 21
	require.NoError(t, repo.Enqueue(ctx, []outboxdomain.Event{other}))

	busy, err := repo.HasInFlightWork(ctx, 20)
	require.NoError(t, err)
	assert.False(t, busy)

	require.NoError(t, repo.Enqueue(ctx, []outboxdomain.Event{event(2)}))
	busy, err = repo.HasInFlightWork(ctx, 20)
	require.NoError(t, err)
	assert.True(t, busy)

	_, err = repo.Claim(ctx, 10)
	require.NoError(t, err)
	busy, err = repo.HasInFlightWork(ctx, 20)
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, repo.MarkAcknowledged(ctx, 2))
	busy, err = repo.HasInFlightWork(ctx, 20)
	require.NoError(t, err)
	assert.False(t, busy)

	busy, err = repo.HasInFlightWork(ctx, 21)
	require.NoError(t, err)
	assert.True(t, busy)
}

func TestResetSyncing(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Enqueue(ctx, []outboxdomain.Event{event(1), event(2)}))
	_, err := repo.Claim(ctx, 10)
	require.NoError(t, err)

	n, err := repo.ResetSyncing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	claimed, err := repo.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}
