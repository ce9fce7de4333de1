// Package obs wires the OpenTelemetry metrics and tracing named in §4.L:
// gate_decisions_total, gate_latency_seconds, gate_lock_events_total,
// reservation_reconciliations_total, approval_queue_backlog, plus the
// multi-window error-budget burn-rate tracker.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers for the enforcement
// control plane.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ecp",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers and holds the
// gate-specific instruments named in §4.L.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	gateDecisions      metric.Int64Counter
	gateLatency        metric.Float64Histogram
	gateLockEvents      metric.Int64Counter
	reconciliations    metric.Int64Counter
	approvalBacklog    metric.Int64UpDownCounter
	burnRatio5m        metric.Float64Gauge
	burnRatio30m       metric.Float64Gauge
	burnRatio1h        metric.Float64Gauge
	burnRatio6h        metric.Float64Gauge
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "obs"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("ecp.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: merge resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("obs: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("obs: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("ecp.gate", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("ecp.gate", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("obs: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "environment", config.Environment,
		"endpoint", config.OTLPEndpoint, "sample_rate", config.SampleRate)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initInstruments creates the §4.L instruments by name.
func (p *Provider) initInstruments() error {
	var err error

	if p.gateDecisions, err = p.meter.Int64Counter("gate_decisions_total",
		metric.WithDescription("Gate decisions by source, status, reason"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.gateLatency, err = p.meter.Float64Histogram("gate_latency_seconds",
		metric.WithDescription("Gate evaluation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0),
	); err != nil {
		return err
	}
	if p.gateLockEvents, err = p.meter.Int64Counter("gate_lock_events_total",
		metric.WithDescription("Tenant+source advisory lock outcomes"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.reconciliations, err = p.meter.Int64Counter("reservation_reconciliations_total",
		metric.WithDescription("Reservation reconciliations by trigger and status"),
		metric.WithUnit("{reconciliation}"),
	); err != nil {
		return err
	}
	if p.approvalBacklog, err = p.meter.Int64UpDownCounter("approval_queue_backlog",
		metric.WithDescription("Pending approval requests awaiting review"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.burnRatio5m, err = p.meter.Float64Gauge("error_budget_burn_ratio_5m",
		metric.WithDescription("Error budget burn ratio over the trailing 5 minutes"),
	); err != nil {
		return err
	}
	if p.burnRatio30m, err = p.meter.Float64Gauge("error_budget_burn_ratio_30m",
		metric.WithDescription("Error budget burn ratio over the trailing 30 minutes"),
	); err != nil {
		return err
	}
	if p.burnRatio1h, err = p.meter.Float64Gauge("error_budget_burn_ratio_1h",
		metric.WithDescription("Error budget burn ratio over the trailing 1 hour"),
	); err != nil {
		return err
	}
	if p.burnRatio6h, err = p.meter.Float64Gauge("error_budget_burn_ratio_6h",
		metric.WithDescription("Error budget burn ratio over the trailing 6 hours"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("ecp.gate")
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordGateDecision records one gate_decisions_total observation.
func (p *Provider) RecordGateDecision(ctx context.Context, source, status, reason string) {
	if p.gateDecisions == nil {
		return
	}
	p.gateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

// RecordGateLatency records one gate_latency_seconds observation.
func (p *Provider) RecordGateLatency(ctx context.Context, d time.Duration, source string) {
	if p.gateLatency == nil {
		return
	}
	p.gateLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

// LockOutcome is one of the §5 advisory lock outcomes.
type LockOutcome string

const (
	LockAcquired    LockOutcome = "acquired"
	LockContended   LockOutcome = "contended"
	LockTimeout     LockOutcome = "timeout"
	LockNotAcquired LockOutcome = "not_acquired"
)

// RecordLockEvent records one gate_lock_events_total observation.
func (p *Provider) RecordLockEvent(ctx context.Context, outcome LockOutcome) {
	if p.gateLockEvents == nil {
		return
	}
	p.gateLockEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// RecordReconciliation records one reservation_reconciliations_total
// observation.
func (p *Provider) RecordReconciliation(ctx context.Context, trigger, status string) {
	if p.reconciliations == nil {
		return
	}
	p.reconciliations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	))
}

// SetApprovalBacklog sets approval_queue_backlog to the current pending
// count, using the delta from the last observed value since UpDownCounter
// has no direct "set" operation.
func (p *Provider) SetApprovalBacklog(ctx context.Context, delta int64) {
	if p.approvalBacklog == nil {
		return
	}
	p.approvalBacklog.Add(ctx, delta)
}

// RecordBurnRatios publishes the four multi-window error_budget_burn_ratio_*
// gauges computed by BurnRateTracker.
func (p *Provider) RecordBurnRatios(ctx context.Context, r BurnRatios) {
	if p.burnRatio5m != nil {
		p.burnRatio5m.Record(ctx, r.Ratio5m)
	}
	if p.burnRatio30m != nil {
		p.burnRatio30m.Record(ctx, r.Ratio30m)
	}
	if p.burnRatio1h != nil {
		p.burnRatio1h.Record(ctx, r.Ratio1h)
	}
	if p.burnRatio6h != nil {
		p.burnRatio6h.Record(ctx, r.Ratio6h)
	}
}
