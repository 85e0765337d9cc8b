// Package observability provides OpenTelemetry tracing and metrics for the
// erasure engine: OTLP export, workflow/step counters, and step-duration
// histograms.
package observability

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

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ghostprotocol",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	workflowCounter metric.Int64Counter
	stepCounter     metric.Int64Counter
	stepDuration    metric.Float64Histogram
	activeWorkflows metric.Int64UpDownCounter
}

// New creates and registers the global providers.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
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

	p.tracer = otel.Tracer("ghostprotocol",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("ghostprotocol",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
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
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.workflowCounter, err = p.meter.Int64Counter("erasure.workflows.total",
		metric.WithDescription("Erasure workflows created"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return err
	}
	p.stepCounter, err = p.meter.Int64Counter("erasure.steps.total",
		metric.WithDescription("Deletion steps finished, by system and outcome"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return err
	}
	p.stepDuration, err = p.meter.Float64Histogram("erasure.step.duration",
		metric.WithDescription("Deletion step duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}
	p.activeWorkflows, err = p.meter.Int64UpDownCounter("erasure.workflows.active",
		metric.WithDescription("Workflows currently in progress"),
		metric.WithUnit("{workflow}"),
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
		return otel.Tracer("ghostprotocol")
	}
	return p.tracer
}

// RecordWorkflowCreated counts a new workflow and bumps the active gauge.
func (p *Provider) RecordWorkflowCreated(ctx context.Context, jurisdiction string) {
	attrs := metric.WithAttributes(attribute.String("jurisdiction", jurisdiction))
	if p.workflowCounter != nil {
		p.workflowCounter.Add(ctx, 1, attrs)
	}
	if p.activeWorkflows != nil {
		p.activeWorkflows.Add(ctx, 1, attrs)
	}
}

// RecordWorkflowFinished drops the active gauge.
func (p *Provider) RecordWorkflowFinished(ctx context.Context, jurisdiction string) {
	if p.activeWorkflows != nil {
		p.activeWorkflows.Add(ctx, -1,
			metric.WithAttributes(attribute.String("jurisdiction", jurisdiction)))
	}
}

// TrackStep opens a span for one deletion step and returns the closer that
// records outcome and duration.
func (p *Provider) TrackStep(ctx context.Context, system string) (context.Context, func(status string, err error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "erasure.step."+system,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("erasure.system", system)),
	)
	return ctx, func(status string, err error) {
		attrs := metric.WithAttributes(
			attribute.String("erasure.system", system),
			attribute.String("erasure.outcome", status),
		)
		if p.stepCounter != nil {
			p.stepCounter.Add(ctx, 1, attrs)
		}
		if p.stepDuration != nil {
			p.stepDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
