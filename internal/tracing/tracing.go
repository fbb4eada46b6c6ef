// Package tracing provides shared OTel tracer initialization for the
// supervisor's session spans: one from a session's launch through the
// end of its first turn, one per sendMessage turn, and one per session
// recovered at startup.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set. Without
// it a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "agentz-supervisor"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

func rawTracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// Tracer wraps a named trace.Tracer with the supervisor's session-span
// helpers. The zero value is not usable; construct with New.
type Tracer struct {
	t trace.Tracer
}

// New returns a Tracer named after the supervisor component. No-op when
// tracing is disabled.
func New() *Tracer {
	return &Tracer{t: rawTracer("agentz/supervisor")}
}

// StartSession opens a span covering one session's launch and first
// turn; it does not stay open across later turns.
func (tr *Tracer) StartSession(ctx context.Context, sessionID string, agentKind string) (context.Context, trace.Span) {
	ctx, span := tr.t.Start(ctx, "session.spawn", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.agent_kind", agentKind),
	)
	return ctx, span
}

// StartResume opens a span for one sendMessage turn against an existing
// session, started from the caller's context rather than as a child of
// the StartSession span.
func (tr *Tracer) StartResume(ctx context.Context, sessionID string, fromStatus string) (context.Context, trace.Span) {
	ctx, span := tr.t.Start(ctx, "session.resume", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.from_status", fromStatus),
	)
	return ctx, span
}

// StartRecovered opens a span for a session discovered mid-flight during
// startup reconciliation (spec §5), mirroring the live-spawn span shape
// so recovered and fresh sessions show up the same way in a trace
// backend.
func (tr *Tracer) StartRecovered(ctx context.Context, sessionID string, status string) (context.Context, trace.Span) {
	ctx, span := tr.t.Start(ctx, "session.recovered", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.status", status),
	)
	return ctx, span
}
