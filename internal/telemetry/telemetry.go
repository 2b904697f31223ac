// Package telemetry wires the orchestration core's Prometheus metrics and
// OpenTelemetry tracing, grounded on the teacher's pkg/observability
// package (same dependency set: go.opentelemetry.io/otel +
// github.com/prometheus/client_golang) but scoped down to the handful of
// series this spec's components actually emit.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kadirpekel/agentcore"

// Tracer is the shared tracer used across node transitions, tool calls,
// and provider calls.
var Tracer = otel.Tracer(instrumentationName)

// Meter is the shared OpenTelemetry meter, used alongside the
// Prometheus collectors in Metrics for counters callers want exported
// through whichever MeterProvider InitProvider installed.
var Meter = otel.Meter(instrumentationName)

// StartSpan is a small convenience wrapper kept so call sites don't
// repeat the tracer name.
func StartSpan(ctx context.Context, name string, attrs ...trace.EventOption) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name)
}

// InitProvider installs process-wide SDK tracer and meter providers
// under serviceName, returning a shutdown func callers should defer.
// Grounded on the teacher's pkg/observability.InitGlobalTracer, scoped
// down to the in-process (no OTLP exporter) case: this module exports
// spans and metrics for whatever processor a host process attaches,
// matching Metrics' own "registration is the caller's job" posture.
func InitProvider(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return mp.Shutdown(shutdownCtx)
	}, nil
}

// Counter wraps an OTel counter, created lazily against the current
// global MeterProvider (InitProvider must run first for it to export
// anywhere; otherwise it's the no-op implementation otel.Meter always
// returns safely).
func Counter(name, description string) (metric.Int64Counter, error) {
	return Meter.Int64Counter(name, metric.WithDescription(description))
}

// Metrics bundles the Prometheus collectors the orchestration core
// exports. A health/metrics HTTP endpoint (outside this module's scope,
// per spec §1) registers these with a prometheus.Registerer.
type Metrics struct {
	BreakerState       *prometheus.GaugeVec
	BreakerFailures    *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	ToolLatency        *prometheus.HistogramVec
	WorkflowIterations prometheus.Histogram
	RecoveryAttempts   *prometheus.CounterVec
}

// NewMetrics constructs and registers the orchestration core's metrics
// against reg. Passing prometheus.NewRegistry() keeps tests isolated
// from the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed,1=open,2=half_open) per resource.",
		}, []string{"resource"}),
		BreakerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "breaker",
			Name:      "failures_total",
			Help:      "Total recorded failures per resource.",
		}, []string{"resource"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool invocations by tool name and status.",
		}, []string{"tool", "status"}),
		ToolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentcore",
			Subsystem: "tool",
			Name:      "latency_ms",
			Help:      "Tool call latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"tool"}),
		WorkflowIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentcore",
			Subsystem: "workflow",
			Name:      "iterations",
			Help:      "Number of validate-node iterations per turn.",
			Buckets:   prometheus.LinearBuckets(0, 1, 21),
		}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by outcome (recovered, abandoned, skipped).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.BreakerState, m.BreakerFailures, m.ToolCalls, m.ToolLatency, m.WorkflowIterations, m.RecoveryAttempts)
	return m
}
