package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/warung/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const channelPattern = "warung:business:%d:changes"

var ErrFeedDisabled = errors.New("realtime_feed_disabled")

// Handler consumes decoded notifications.
type Handler interface {
	Handle(ctx context.Context, n Notification) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n Notification) error

func (f HandlerFunc) Handle(ctx context.Context, n Notification) error { return f(ctx, n) }

// Channel is the redis channel carrying a business's row changes.
func Channel(businessID snowflake.ID) string {
	return fmt.Sprintf(channelPattern, int64(businessID))
}

type FeedParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

// RedisFeed fans row changes out to every till of a business over redis
// pub/sub.
type RedisFeed struct {
	client  *redis.Client
	channel string
	origin  string
	log     *zap.Logger
}

// NewRedisFeed returns nil when the redis feed is not configured.
func NewRedisFeed(p FeedParams) *RedisFeed {
	if p.Client == nil || p.Config.RealtimeFeed != config.FeedRedis {
		return nil
	}
	return &RedisFeed{
		client:  p.Client,
		channel: Channel(snowflake.ID(p.Config.BusinessID)),
		origin:  p.Config.DeviceID,
		log:     p.Log.Named("realtime.feed"),
	}
}

func (f *RedisFeed) Enabled() bool {
	return f != nil && f.client != nil
}

// Publish announces a change made by this till. The origin is stamped so
// this till can recognise its own echo.
func (f *RedisFeed) Publish(ctx context.Context, n Notification) error {
	if !f.Enabled() {
		return ErrFeedDisabled
	}
	n = withOrigin(n, f.origin)
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

// Run subscribes to the channel and hands each valid message to h until ctx
// is done. Malformed messages are logged and skipped.
func (f *RedisFeed) Run(ctx context.Context, h Handler) error {
	if !f.Enabled() {
		return ErrFeedDisabled
	}
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	f.log.Info("realtime.feed.subscribed", zap.String("channel", f.channel))
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			f.dispatch(ctx, h, []byte(msg.Payload))
		}
	}
}

func (f *RedisFeed) dispatch(ctx context.Context, h Handler, payload []byte) {
	n, err := Decode(payload)
	if err != nil {
		f.log.Warn("realtime.feed.decode_failed", zap.Int("bytes", len(payload)), zap.Error(err))
		return
	}
	handleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Handle(handleCtx, n); err != nil {
		f.log.Warn("realtime.feed.handle_failed",
			zap.String("entity", string(n.Entity())),
			zap.String("event_type", string(n.Header().Event)),
			zap.Error(err),
		)
	}
}

func withOrigin(n Notification, origin string) Notification {
	switch v := n.(type) {
	case TableNotification:
		v.Head.Origin = origin
		return v
	case OrderNotification:
		v.Head.Origin = origin
		return v
	case ItemNotification:
		v.Head.Origin = origin
		return v
	}
	return n
}
