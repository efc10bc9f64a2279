package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/warung/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestLimiterWithoutRedisAllowsAll(t *testing.T) {
	limiter := NewIngestLimiter(config.Config{IngestRate: 1, IngestBurst: 1}, nil)
	require.False(t, limiter.Enabled())

	for i := 0; i < 5; i++ {
		res, err := limiter.Allow(context.Background(), "till-2")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestIngestKeyIsScopedToTill(t *testing.T) {
	a := &IngestLimiter{businessID: 1, deviceID: "till-1"}
	b := &IngestLimiter{businessID: 1, deviceID: "till-3"}

	assert.Equal(t, "warung:ingest:1:till-1:till-2", a.key("till-2"))
	assert.NotEqual(t, a.key("till-2"), b.key("till-2"))
}

func TestTokenBucketNotConfigured(t *testing.T) {
	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	require.ErrorIs(t, err, ErrLimiterNotConfigured)
	assert.False(t, res.Allowed)
	assert.Nil(t, NewTokenBucket(nil))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 4*time.Second, defaultBucketTTL(50, 100))
	assert.Equal(t, time.Second, defaultBucketTTL(1000, 1))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 10))
}

func TestCastScriptValues(t *testing.T) {
	assert.Equal(t, int64(1), castToInt(int64(1)))
	assert.Equal(t, int64(0), castToInt("x"))
	assert.InDelta(t, 2.5, castToFloat("2.5"), 0.0001)
	assert.InDelta(t, 3.0, castToFloat(int64(3)), 0.0001)
	assert.Equal(t, 0.0, castToFloat("nan-ish"))
}
