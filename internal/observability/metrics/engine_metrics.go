package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	RemoteReasonDeadlineExceeded     = "deadline_exceeded"
	RemoteReasonDBLockTimeout        = "db_lock_timeout"
	RemoteReasonSerializationFailure = "serialization_failure"
	RemoteReasonUniqueViolation      = "unique_violation"
	RemoteReasonNotFound             = "not_found"
	RemoteReasonUnknown              = "unknown"
)

const (
	OutcomeApplied   = "applied"
	OutcomeQueued    = "queued"
	OutcomeRejected  = "rejected"
	OutcomeRecovered = "recovered"
)

const (
	RecoveryRollback = "rollback"
	RecoveryResync   = "resync"
)

const (
	SuppressSelfEcho    = "self_echo"
	SuppressStaleReopen = "stale_reopen"
	SuppressInvalid     = "invalid_payload"
	SuppressUnknown     = "unknown_target"
)

const (
	LeaseItem  = "item"
	LeaseOrder = "order"
	LeaseTable = "table"
)

// EngineMetrics captures table/order engine health: optimistic writes that had to be
// undone, remote pushes dropped by the reconciliation guard, and outbox replay progress.
type EngineMetrics struct {
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	recoveries       *prometheus.CounterVec
	remoteErrors     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	suppressed       *prometheus.CounterVec
	leaseContention  *prometheus.CounterVec
	outboxQueued     prometheus.Counter
	replayProcessed  *prometheus.CounterVec
	replayLag        prometheus.Observer
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

// NewEngineMetricsForRegistry registers a fresh set of engine metrics on reg,
// for tests that assert on counters.
func NewEngineMetricsForRegistry(reg prometheus.Registerer) *EngineMetrics {
	return newEngineMetrics(reg, Config{})
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "warung"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "warung_order_dispatch_total",
		Help:        "Operator intents dispatched by kind and outcome.",
		ConstLabels: constLabels,
	}, []string{"intent", "outcome"})
	dispatchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "warung_order_dispatch_duration_seconds",
		Help:        "Intent latency including the remote round trip.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"intent"})
	recoveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "warung_order_recovery_total",
		Help:        "Optimistic updates undone after a failed remote write.",
		ConstLabels: constLabels,
	}, []string{"intent", "kind"})
	remoteErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "warung_remote_write_errors_total",
		Help:        "Remote store write failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "warung_realtime_notifications_total",
		Help:        "Inbound change notifications by entity and event type.",
		ConstLabels: constLabels,
	}, []string{"entity", "event_type"})
	suppressed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "warung_realtime_suppressed_total",
		Help:        "Inbound change notifications dropped by the reconciliation guard.",
		ConstLabels: constLabels,
	}, []string{"rule"})
	leaseContention := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "warung_lease_contention_total",
		Help:        "Lease acquisitions refused because the entity was busy.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	outboxQueued := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "warung_outbox_queued_total",
		Help:        "Mutations queued to the outbox while offline.",
		ConstLabels: constLabels,
	})
	replayProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "warung_outbox_replay_total",
		Help:        "Outbox events replayed by final status.",
		ConstLabels: constLabels,
	}, []string{"status"})
	replayLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "warung_outbox_replay_lag_seconds",
		Help:        "Age of an outbox event when it was acknowledged.",
		Buckets:     []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		dispatches,
		dispatchDuration,
		recoveries,
		remoteErrors,
		notifications,
		suppressed,
		leaseContention,
		outboxQueued,
		replayProcessed,
		replayLag,
	)

	return &EngineMetrics{
		dispatches:       dispatches,
		dispatchDuration: dispatchDuration,
		recoveries:       recoveries,
		remoteErrors:     remoteErrors,
		notifications:    notifications,
		suppressed:       suppressed,
		leaseContention:  leaseContention,
		outboxQueued:     outboxQueued,
		replayProcessed:  replayProcessed,
		replayLag:        replayLag,
	}
}

// ObserveDispatch records an intent outcome and its latency.
func (m *EngineMetrics) ObserveDispatch(intent, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(intent, outcome).Inc()
	m.dispatchDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

// IncRecovery counts a rollback or resync triggered by a failed remote write.
func (m *EngineMetrics) IncRecovery(intent, kind string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(intent, kind).Inc()
}

// IncRemoteError classifies and counts a remote write failure.
func (m *EngineMetrics) IncRemoteError(err error) {
	if m == nil || err == nil {
		return
	}
	m.remoteErrors.WithLabelValues(ClassifyRemoteError(err)).Inc()
}

func (m *EngineMetrics) IncNotification(entity, eventType string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(entity, eventType).Inc()
}

func (m *EngineMetrics) IncSuppressed(rule string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(rule).Inc()
}

func (m *EngineMetrics) IncLeaseContention(kind string) {
	if m == nil {
		return
	}
	m.leaseContention.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) AddOutboxQueued(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outboxQueued.Add(float64(count))
}

// ObserveReplay records a replayed outbox event and, once acknowledged, how old it was.
func (m *EngineMetrics) ObserveReplay(status string, age time.Duration) {
	if m == nil {
		return
	}
	m.replayProcessed.WithLabelValues(status).Inc()
	if age > 0 {
		m.replayLag.Observe(age.Seconds())
	}
}

// ClassifyRemoteError maps a remote store error to a metric reason.
func ClassifyRemoteError(err error) string {
	switch {
	case err == nil:
		return RemoteReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return RemoteReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound):
		return RemoteReasonNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return RemoteReasonUniqueViolation
	case hasPGCode(err, "55P03"):
		return RemoteReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return RemoteReasonSerializationFailure
	default:
		return RemoteReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
