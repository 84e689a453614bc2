package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/thebtf/pausepoint/internal/async"
	"github.com/thebtf/pausepoint/pkg/models"
)

const instrumentationName = "github.com/thebtf/pausepoint/internal/engine"

// Telemetry holds the OpenTelemetry instruments of the decision path.
type Telemetry struct {
	tracer    trace.Tracer
	decisions metric.Int64Counter
	latency   metric.Float64Histogram
	responses metric.Int64Counter
	failures  metric.Int64Counter

	shutdown func(context.Context) error
}

// NewTelemetry installs the OpenTelemetry SDK. Metrics are exported to reg
// so they are served next to the native Prometheus series; finished spans
// are logged at debug level. The providers also become the global ones.
func NewTelemetry(serviceVersion string, reg prometheus.Registerer) (*Telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("pausepoint"),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(logSpanProcessor{}),
		sdktrace.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	t, err := newTelemetry(mp.Meter(instrumentationName), tp.Tracer(instrumentationName))
	if err != nil {
		return nil, err
	}
	t.shutdown = func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return t, nil
}

// Shutdown flushes and stops the SDK providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// logSpanProcessor writes finished spans to the debug log.
type logSpanProcessor struct{}

func (logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	ev := log.Debug().
		Str("span", s.Name()).
		Str("traceId", s.SpanContext().TraceID().String()).
		Dur("took", s.EndTime().Sub(s.StartTime())).
		Str("status", s.Status().Code.String())
	for _, kv := range s.Attributes() {
		ev = ev.Str(string(kv.Key), kv.Value.Emit())
	}
	ev.Msg("Span finished")
}

func (logSpanProcessor) Shutdown(context.Context) error { return nil }
func (logSpanProcessor) ForceFlush(context.Context) error { return nil }

// NoopTelemetry discards everything.
func NoopTelemetry() *Telemetry {
	t, _ := newTelemetry(metricnoop.NewMeterProvider().Meter(instrumentationName), tracenoop.NewTracerProvider().Tracer(instrumentationName))
	return t
}

func newTelemetry(meter metric.Meter, tracer trace.Tracer) (*Telemetry, error) {
	t := &Telemetry{tracer: tracer}
	var err error
	if t.decisions, err = meter.Int64Counter("pausepoint.engine.decisions",
		metric.WithDescription("Intervention decisions by outcome and blocking reason")); err != nil {
		return nil, err
	}
	if t.latency, err = meter.Float64Histogram("pausepoint.engine.decision.duration",
		metric.WithDescription("Time spent deciding one trigger"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if t.responses, err = meter.Int64Counter("pausepoint.engine.responses",
		metric.WithDescription("User responses to shown interventions")); err != nil {
		return nil, err
	}
	if t.failures, err = meter.Int64Counter("pausepoint.engine.failures",
		metric.WithDescription("Swallowed errors by operation")); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) decision(ctx context.Context, exp models.DecisionExplanation, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("decision", string(exp.Decision)),
		attribute.String("reason", string(exp.BlockingReason)),
	)
	t.decisions.Add(ctx, 1, attrs)
	t.latency.Record(ctx, float64(took.Microseconds())/1000, metric.WithAttributes(attribute.String("decision", string(exp.Decision))))
}

func (t *Telemetry) response(ctx context.Context, r models.UserResponse) {
	t.responses.Add(ctx, 1, metric.WithAttributes(attribute.String("response", string(r))))
}

func (t *Telemetry) failure(ctx context.Context, op string) {
	t.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// CountingReporter counts every reported error before passing it on.
type CountingReporter struct {
	Next      async.Reporter
	Telemetry *Telemetry
}

// Report implements async.Reporter.
func (r CountingReporter) Report(op string, err error) {
	if r.Telemetry != nil {
		r.Telemetry.failure(context.Background(), op)
	}
	if r.Next != nil {
		r.Next.Report(op, err)
	}
}
