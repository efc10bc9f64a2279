package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	salesRecorded    metric.Int64Counter
	settledAmount    metric.Int64Counter
	settlementDenied metric.Int64Counter
	tablesChanged    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "warung"
	}
	meter := provider.Meter(name)

	salesRecorded, err := meter.Int64Counter("warung_sales_recorded_total")
	if err != nil {
		return nil, err
	}
	settledAmount, err := meter.Int64Counter("warung_settled_amount_total",
		metric.WithDescription("Settled amount in minor currency units."),
	)
	if err != nil {
		return nil, err
	}
	settlementDenied, err := meter.Int64Counter("warung_settlement_denied_total")
	if err != nil {
		return nil, err
	}
	tablesChanged, err := meter.Int64Counter("warung_table_changes_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		salesRecorded:    salesRecorded,
		settledAmount:    settledAmount,
		settlementDenied: settlementDenied,
		tablesChanged:    tablesChanged,
	}, nil
}

// RecordSale counts a completed sale and its amount per payment method.
func (m *Metrics) RecordSale(ctx context.Context, method string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("method", strings.TrimSpace(method)))
	m.salesRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount > 0 {
		m.settledAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
	}
}

// RecordSettlementDenied counts a refused settlement confirmation.
func (m *Metrics) RecordSettlementDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.settlementDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTableChange counts table lifecycle changes (created, deleted, opened, vacated).
func (m *Metrics) RecordTableChange(ctx context.Context, businessID, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("business_id", strings.TrimSpace(businessID)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.tablesChanged.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"business_id": {},
	"method":      {},
	"event_type":  {},
	"intent":      {},
	"reason":      {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
