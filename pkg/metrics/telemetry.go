package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/cohenjo/cdcsync/pkg/config"
)

// TelemetryConfig is an alias to the config package TelemetryConfig for compatibility
type TelemetryConfig = config.TelemetryConfig

// Option customizes a TelemetryManager
type Option func(*options)

type options struct {
	registerer     prometheus.Registerer
	spanProcessors []sdktrace.SpanProcessor
}

// WithRegisterer exports otel metrics into reg instead of the default registry
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSpanProcessor attaches a span processor to the tracer provider
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessors = append(o.spanProcessors, sp) }
}

// TelemetryManager manages OpenTelemetry metrics and tracing for workflows
// and activities. A nil *TelemetryManager is valid and records nothing.
type TelemetryManager struct {
	config         TelemetryConfig
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         trace.Tracer

	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram

	mutex   sync.RWMutex
	started bool
}

// NewTelemetryManager creates a new telemetry manager
func NewTelemetryManager(cfg TelemetryConfig, opts ...Option) (*TelemetryManager, error) {
	o := &options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}

	log.Info().
		Bool("enabled", cfg.Enabled).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("tracing_enabled", cfg.TracingEnabled).
		Str("service_name", cfg.ServiceName).
		Msg("Creating telemetry manager with config")

	tm := &TelemetryManager{
		config:     cfg,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}

	if err := tm.initialize(o); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return tm, nil
}

func (tm *TelemetryManager) initialize(o *options) error {
	if !tm.config.Enabled {
		log.Info().Msg("Telemetry disabled")
		return nil
	}

	if tm.config.MetricsEnabled {
		if err := tm.setupMetrics(o.registerer); err != nil {
			return fmt.Errorf("failed to setup metrics: %w", err)
		}
	}

	if tm.config.TracingEnabled {
		tm.setupTracing(o.spanProcessors)
	}

	return tm.createInstruments()
}

// setupMetrics bridges otel instruments into the Prometheus registry
func (tm *TelemetryManager) setupMetrics(reg prometheus.Registerer) error {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	tm.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(tm.createResource()),
	)
	otel.SetMeterProvider(tm.meterProvider)

	tm.meter = tm.meterProvider.Meter(
		tm.config.ServiceName,
		metric.WithInstrumentationVersion(tm.config.ServiceVersion),
	)
	return nil
}

func (tm *TelemetryManager) setupTracing(processors []sdktrace.SpanProcessor) {
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(tm.createResource()),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tm.config.TraceSampleRate))),
	}
	for _, sp := range processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}

	tm.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tm.tracerProvider)

	tm.tracer = tm.tracerProvider.Tracer(
		tm.config.ServiceName,
		trace.WithInstrumentationVersion(tm.config.ServiceVersion),
	)
}

func (tm *TelemetryManager) createResource() *resource.Resource {
	attributes := []attribute.KeyValue{
		attribute.String("service.name", tm.config.ServiceName),
		attribute.String("service.version", tm.config.ServiceVersion),
		attribute.String("environment", tm.config.Environment),
	}
	for key, value := range tm.config.Labels {
		attributes = append(attributes, attribute.String(key, value))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

func (tm *TelemetryManager) createInstruments() error {
	if tm.meter == nil {
		return nil
	}

	var err error

	tm.counters["workflows_started"], err = tm.meter.Int64Counter(
		"cdcsync_workflows_started_total",
		metric.WithDescription("Workflow instances started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create workflows_started counter: %w", err)
	}

	tm.counters["signals"], err = tm.meter.Int64Counter(
		"cdcsync_signals_total",
		metric.WithDescription("Signals delivered to workflow instances"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create signals counter: %w", err)
	}

	tm.counters["activity_attempts"], err = tm.meter.Int64Counter(
		"cdcsync_activity_attempts_total",
		metric.WithDescription("Activity attempts by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create activity_attempts counter: %w", err)
	}

	tm.histograms["activity_duration"], err = tm.meter.Float64Histogram(
		"cdcsync_activity_duration_seconds",
		metric.WithDescription("Duration of one activity attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create activity_duration histogram: %w", err)
	}

	return nil
}

// Start starts the telemetry manager
func (tm *TelemetryManager) Start(ctx context.Context) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if tm.started {
		return fmt.Errorf("telemetry manager already started")
	}

	tm.started = true
	log.Info().Msg("Telemetry manager started")
	return nil
}

// Stop flushes and shuts down the providers
func (tm *TelemetryManager) Stop(ctx context.Context) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if !tm.started {
		return nil
	}

	if tm.meterProvider != nil {
		if err := tm.meterProvider.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown meter provider")
		}
	}
	if tm.tracerProvider != nil {
		if err := tm.tracerProvider.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracer provider")
		}
	}

	tm.started = false
	log.Info().Msg("Telemetry manager stopped")
	return nil
}

// RecordWorkflowStarted counts a new workflow instance
func (tm *TelemetryManager) RecordWorkflowStarted(ctx context.Context, workflow string) {
	if tm == nil || tm.counters["workflows_started"] == nil {
		return
	}
	tm.counters["workflows_started"].Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflow)))
}

// RecordSignal counts a signal; delivered is false when it had no handler
func (tm *TelemetryManager) RecordSignal(ctx context.Context, signal string, delivered bool) {
	if tm == nil || tm.counters["signals"] == nil {
		return
	}
	tm.counters["signals"].Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal", signal),
		attribute.Bool("delivered", delivered),
	))
}

// RecordActivityAttempt records the outcome and duration of one attempt
func (tm *TelemetryManager) RecordActivityAttempt(ctx context.Context, activity, queue string, duration time.Duration, err error) {
	if tm == nil || tm.counters["activity_attempts"] == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("activity", activity),
		attribute.String("task_queue", queue),
		attribute.String("outcome", outcome),
	)
	tm.counters["activity_attempts"].Add(ctx, 1, attrs)
	tm.histograms["activity_duration"].Record(ctx, duration.Seconds(), attrs)
}

// StartTrace starts a new trace span
func (tm *TelemetryManager) StartTrace(ctx context.Context, operationName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	if tm == nil || tm.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attributes...))
}
