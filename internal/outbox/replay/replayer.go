package replay

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/warung/internal/clock"
	"github.com/smallbiznis/warung/internal/config"
	"github.com/smallbiznis/warung/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/warung/internal/order/domain"
	outboxdomain "github.com/smallbiznis/warung/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ReplayAcknowledged = "acknowledged"
	ReplayDeferred     = "deferred"
	ReplayFailed       = "failed"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func ConfigFrom(cfg config.Config) Config {
	out := Config{Interval: cfg.OutboxReplayInterval, BatchSize: cfg.OutboxBatchSize}
	if out.Interval <= 0 {
		out.Interval = 5 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	return out
}

type Params struct {
	fx.In

	Config   Config
	Repo     outboxdomain.Repository
	Executor outboxdomain.Executor
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.EngineMetrics `optional:"true"`
}

// Replayer drains the outbox in creation order once the remote store is
// reachable again.
type Replayer struct {
	cfg      Config
	repo     outboxdomain.Repository
	executor outboxdomain.Executor
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.EngineMetrics
}

func New(p Params) *Replayer {
	return &Replayer{
		cfg:      p.Config,
		repo:     p.Repo,
		executor: p.Executor,
		clock:    p.Clock,
		log:      p.Log.Named("outbox.replay"),
		metrics:  p.Metrics,
	}
}

// Summary counts what one pass did.
type Summary struct {
	Acknowledged int
	Failed       int
	Deferred     bool
	Remaining    int64
}

// RunOnce replays pending events until the outbox is empty or the remote
// store becomes unreachable again. Events rejected for any other reason are
// marked failed and skipped so later events are not held back.
func (r *Replayer) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	start := r.clock.Now()
	for {
		events, err := r.repo.Claim(ctx, r.cfg.BatchSize)
		if err != nil {
			return summary, err
		}
		if len(events) == 0 {
			break
		}
		deferred, err := r.replayBatch(ctx, events, &summary)
		if err != nil {
			return summary, err
		}
		if deferred {
			summary.Deferred = true
			break
		}
	}

	remaining, err := r.repo.CountPending(ctx)
	if err != nil {
		return summary, err
	}
	summary.Remaining = remaining
	if summary.Acknowledged > 0 || summary.Failed > 0 || summary.Deferred {
		r.log.Info("outbox.replay.finish",
			zap.Int("acknowledged", summary.Acknowledged),
			zap.Int("failed", summary.Failed),
			zap.Bool("deferred", summary.Deferred),
			zap.Int64("remaining", remaining),
			zap.Int64("duration_ms", r.clock.Now().Sub(start).Milliseconds()),
		)
	}
	if remaining == 0 {
		r.executor.Drained(ctx)
	}
	return summary, nil
}

// replayBatch returns deferred=true when the remote store went away; the
// unfinished events of the batch go back to pending untouched.
func (r *Replayer) replayBatch(ctx context.Context, events []outboxdomain.Event, summary *Summary) (bool, error) {
	for i, ev := range events {
		err := r.executor.Replay(ctx, ev)
		age := ev.Age(r.clock.Now())
		switch {
		case err == nil:
			if markErr := r.repo.MarkAcknowledged(ctx, ev.ID); markErr != nil {
				return false, markErr
			}
			summary.Acknowledged++
			r.metrics.ObserveReplay(ReplayAcknowledged, age)

		case errors.Is(err, orderdomain.ErrRemoteUnavailable) || errors.Is(err, context.DeadlineExceeded):
			var errs []error
			if markErr := r.repo.Release(ctx, ev.ID, err); markErr != nil {
				errs = append(errs, markErr)
			}
			for _, rest := range events[i+1:] {
				if markErr := r.repo.Release(ctx, rest.ID, nil); markErr != nil {
					errs = append(errs, markErr)
				}
			}
			r.metrics.ObserveReplay(ReplayDeferred, age)
			r.log.Debug("outbox.replay.deferred", zap.String("event_id", ev.ID.String()), zap.Error(err))
			return true, errors.Join(errs...)

		default:
			if markErr := r.repo.MarkFailed(ctx, ev.ID, err); markErr != nil {
				return false, markErr
			}
			summary.Failed++
			r.metrics.ObserveReplay(ReplayFailed, age)
			r.log.Warn("outbox.replay.failed",
				zap.String("event_id", ev.ID.String()),
				zap.String("kind", ev.Kind),
				zap.String("entity_type", ev.EntityType),
				zap.Error(err),
			)
		}
	}
	return false, nil
}

// RunForever replays on every interval tick until ctx is done.
func (r *Replayer) RunForever(ctx context.Context) {
	if n, err := r.repo.ResetSyncing(ctx); err != nil {
		r.log.Warn("outbox.replay.reset_failed", zap.Error(err))
	} else if n > 0 {
		r.log.Info("outbox.replay.reset", zap.Int64("events", n))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("outbox.replay.run_failed", zap.Error(err))
		}

		if !r.wait(ctx, ticker) {
			return
		}
	}
}

// wait blocks until the next tick. A freshly queued event pushes the tick back
// a full interval since the write that queued it just failed.
func (r *Replayer) wait(ctx context.Context, ticker *time.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			return true
		case <-r.repo.Queued():
			ticker.Reset(r.cfg.Interval)
		}
	}
}
