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
	tokensDebited       metric.Int64Counter
	tokensCredited      metric.Int64Counter
	ledgerEntries       metric.Int64Counter
	webhookEvents       metric.Int64Counter
	casConflicts        metric.Int64Counter
	gateDecisions       metric.Int64Counter
	absorbedOverage     metric.Int64Counter
	invariantViolations metric.Int64Counter
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
		name = "tokenledger"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&m.tokensDebited, "tokenledger_tokens_debited_total", "Tokens removed from balances.", "{token}"},
		{&m.tokensCredited, "tokenledger_tokens_credited_total", "Tokens added to balances.", "{token}"},
		{&m.ledgerEntries, "tokenledger_ledger_entries_total", "Ledger rows appended.", "{entry}"},
		{&m.webhookEvents, "tokenledger_webhook_events_total", "Webhook deliveries by outcome.", "{event}"},
		{&m.casConflicts, "tokenledger_balance_cas_conflicts_total", "Balance writes retried after a version conflict.", "{conflict}"},
		{&m.gateDecisions, "tokenledger_gate_decisions_total", "Consumption gate admissions and refusals.", "{decision}"},
		{&m.absorbedOverage, "tokenledger_gate_absorbed_overage_tokens_total", "Tokens used past a reservation that could not be charged.", "{token}"},
		{&m.invariantViolations, "tokenledger_invariant_violations_total", "Detected ledger and balance divergences.", "{violation}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

// RecordLedgerEntry counts one appended ledger row and the tokens it moved.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, reason, tokenType string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.String("token_type", strings.TrimSpace(tokenType)),
	)
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
	switch {
	case amount < 0:
		m.tokensDebited.Add(ctx, -amount, metric.WithAttributes(attrs...))
	case amount > 0:
		m.tokensCredited.Add(ctx, amount, metric.WithAttributes(attrs...))
	}
}

// RecordWebhookEvent counts webhook outcomes per source.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, source, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConflict counts optimistic concurrency retries on balance rows.
func (m *Metrics) RecordConflict(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.casConflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGateDecision counts consumption gate outcomes.
func (m *Metrics) RecordGateDecision(ctx context.Context, feature, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("decision", strings.TrimSpace(decision)),
	)
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAbsorbedOverage counts tokens used beyond a reservation that could not be billed.
func (m *Metrics) RecordAbsorbedOverage(ctx context.Context, feature string, tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.absorbedOverage.Add(ctx, tokens, metric.WithAttributes(attrs...))
}

// RecordInvariantViolation counts ledger/balance divergences.
func (m *Metrics) RecordInvariantViolation(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("token_type", strings.TrimSpace(tokenType)))
	m.invariantViolations.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// Owner identifiers never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"reason":      {},
	"token_type":  {},
	"source":      {},
	"event_type":  {},
	"outcome":     {},
	"operation":   {},
	"feature":     {},
	"decision":    {},
	"status_code": {},
	"route":       {},
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
