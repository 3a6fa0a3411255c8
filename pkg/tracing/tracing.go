// Package tracing wires go.opentelemetry.io/otel spans around commits,
// function executions, and session RPCs (§4.10), with per-route sampling
// so noisy high-volume paths (index range scans) can be sampled down
// independently from rarer ones (commits, function invocations).
package tracing

import (
	"context"
	"math/rand"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pulsedb/pulse"

// RouteSample pairs a regex matched against a span's route name with the
// fraction of calls to sample (0.0–1.0).
type RouteSample struct {
	Route   *regexp.Regexp
	Percent float64
}

// Config selects which routes get traced and at what rate. An empty
// Routes list samples everything at 1.0.
type Config struct {
	Routes []RouteSample
}

// Tracer wraps an otel.Tracer with the route-sampling policy of Config.
type Tracer struct {
	otel   trace.Tracer
	cfg    Config
	rng    func() float64
}

// New constructs a Tracer using the global otel TracerProvider.
func New(cfg Config) *Tracer {
	return &Tracer{otel: otel.Tracer(instrumentationName), cfg: cfg, rng: defaultRand}
}

// defaultRand is overridden in tests for determinism; production calls
// use a package-level source seeded at process start.
var defaultRand = rand.Float64

func (t *Tracer) sampleRate(route string) float64 {
	for _, rs := range t.cfg.Routes {
		if rs.Route.MatchString(route) {
			return rs.Percent
		}
	}
	return 1.0
}

// StartSpan begins a span for route, honoring the configured sample rate:
// below the threshold, spans are still created (so context propagation
// keeps working) but marked non-recording.
func (t *Tracer) StartSpan(ctx context.Context, route string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	rate := t.sampleRate(route)
	if rate < 1.0 && t.rng() >= rate {
		sctx := trace.ContextWithSpanContext(ctx, trace.SpanContextFromContext(ctx))
		return sctx, trace.SpanFromContext(sctx)
	}
	opts := []trace.SpanStartOption{trace.WithAttributes(attrs...)}
	return t.otel.Start(ctx, route, opts...)
}

// RecordError attaches err to span if non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
