package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/warung/internal/config"
)

const keyNotificationIngest = "warung:ingest:%d:%s:%s"

// IngestLimiter bounds how fast one origin may push notifications at this
// till. It allows everything when redis is not configured.
type IngestLimiter struct {
	enabled bool

	bucket     *TokenBucket
	businessID int64
	deviceID   string
	rate       float64
	burst      int
}

func NewIngestLimiter(cfg config.Config, client *redis.Client) *IngestLimiter {
	if client == nil || cfg.IngestRate <= 0 || cfg.IngestBurst <= 0 {
		return &IngestLimiter{}
	}
	return &IngestLimiter{
		enabled:    true,
		bucket:     NewTokenBucket(client),
		businessID: cfg.BusinessID,
		deviceID:   strings.TrimSpace(cfg.DeviceID),
		rate:       cfg.IngestRate,
		burst:      cfg.IngestBurst,
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow takes one token for origin.
func (l *IngestLimiter) Allow(ctx context.Context, origin string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		origin = "anonymous"
	}
	return l.bucket.Allow(ctx, l.key(origin), l.rate, l.burst)
}

// key is per business, till and origin.
func (l *IngestLimiter) key(origin string) string {
	return fmt.Sprintf(keyNotificationIngest, l.businessID, l.deviceID, origin)
}
