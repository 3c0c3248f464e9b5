// Package telemetry provides OpenTelemetry tracing and metrics for the
// governance core: publish throughput and latency, job queue health,
// quota pressure, and event-chain verification counts.
package telemetry

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

// Config configures the OpenTelemetry providers.
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

// DefaultConfig returns sensible development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "governance-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the governance
// instruments. When disabled, every record method is a no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	publishCounter     metric.Int64Counter
	publishLatency     metric.Float64Histogram
	rollbackCounter    metric.Int64Counter
	waiverExpiring     metric.Int64Counter
	jobQueueDepth      metric.Int64UpDownCounter
	jobDuration        metric.Float64Histogram
	jobRetryCounter    metric.Int64Counter
	quotaRefusals      metric.Int64Counter
	chainVerifications metric.Int64Counter
}

// New builds a provider. With Enabled false it returns a provider whose
// record methods do nothing, so call sites never need a nil check.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("governance.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("governance.core",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("governance.core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.publishCounter, err = p.meter.Int64Counter("governance.artifact.publish.total",
		metric.WithDescription("Artifacts published"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return err
	}

	p.publishLatency, err = p.meter.Float64Histogram("governance.artifact.publish.duration",
		metric.WithDescription("Publish pipeline duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return err
	}

	p.rollbackCounter, err = p.meter.Int64Counter("governance.artifact.rollback.total",
		metric.WithDescription("Artifacts rolled back"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return err
	}

	p.waiverExpiring, err = p.meter.Int64Counter("governance.waiver.expiring.total",
		metric.WithDescription("Waivers that entered the expiry warning window"),
		metric.WithUnit("{waiver}"),
	)
	if err != nil {
		return err
	}

	p.jobQueueDepth, err = p.meter.Int64UpDownCounter("governance.job.queue.depth",
		metric.WithDescription("Jobs currently queued or retrying"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	p.jobDuration, err = p.meter.Float64Histogram("governance.job.duration",
		metric.WithDescription("Job handler duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000),
	)
	if err != nil {
		return err
	}

	p.jobRetryCounter, err = p.meter.Int64Counter("governance.job.retry.total",
		metric.WithDescription("Job retry attempts scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	p.quotaRefusals, err = p.meter.Int64Counter("governance.quota.refusal.total",
		metric.WithDescription("Requests refused by a tenant quota"),
		metric.WithUnit("{refusal}"),
	)
	if err != nil {
		return err
	}

	p.chainVerifications, err = p.meter.Int64Counter("governance.eventlog.verification.total",
		metric.WithDescription("Event chain verification runs"),
		metric.WithUnit("{verification}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("governance.core")
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordPublish records one publish and its latency.
func (p *Provider) RecordPublish(ctx context.Context, tenant, class string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("class", class),
	)
	if p.publishCounter != nil {
		p.publishCounter.Add(ctx, 1, attrs)
	}
	if p.publishLatency != nil {
		p.publishLatency.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

// RecordRollback records one rollback.
func (p *Provider) RecordRollback(ctx context.Context, tenant string) {
	if p.rollbackCounter != nil {
		p.rollbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenant)))
	}
}

// RecordWaiverExpiring records a waiver entering the warning window.
func (p *Provider) RecordWaiverExpiring(ctx context.Context, tenant string) {
	if p.waiverExpiring != nil {
		p.waiverExpiring.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenant)))
	}
}

// AddQueueDepth moves the queue depth gauge by delta for a tenant.
func (p *Provider) AddQueueDepth(ctx context.Context, tenant string, delta int64) {
	if p.jobQueueDepth != nil {
		p.jobQueueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("tenant", tenant)))
	}
}

// RecordJobDuration records a finished handler run.
func (p *Provider) RecordJobDuration(ctx context.Context, jobType string, d time.Duration) {
	if p.jobDuration != nil {
		p.jobDuration.Record(ctx, float64(d.Milliseconds()),
			metric.WithAttributes(attribute.String("job_type", jobType)))
	}
}

// RecordJobRetry records one scheduled retry.
func (p *Provider) RecordJobRetry(ctx context.Context, jobType string) {
	if p.jobRetryCounter != nil {
		p.jobRetryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
	}
}

// RecordQuotaRefusal records a quota refusal on one dimension.
func (p *Provider) RecordQuotaRefusal(ctx context.Context, tenant, dimension string) {
	if p.quotaRefusals != nil {
		p.quotaRefusals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("dimension", dimension),
		))
	}
}

// RecordChainVerification records one event-chain verification run.
func (p *Provider) RecordChainVerification(ctx context.Context, tenant string, ok bool) {
	if p.chainVerifications != nil {
		p.chainVerifications.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.Bool("ok", ok),
		))
	}
}
