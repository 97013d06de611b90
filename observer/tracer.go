package observer

import (
	"context"
	"fmt"

	"github.com/nevindra/tab"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements tab.Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
}

// NewTracer returns a tab.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go
// to a no-op backend.
func NewTracer() tab.Tracer {
	return &otelTracer{inner: otel.Tracer(scopeName)}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, attrs ...tab.SpanAttr) (context.Context, tab.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, &otelSpan{inner: span}
}

// otelSpan implements tab.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
}

func (s *otelSpan) AddEvent(name string, attrs ...tab.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s *otelSpan) RecordError(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

func toOTELAttrs(attrs []tab.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(a)
	}
	return out
}

// toOTELAttr converts a tab.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a tab.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ tab.Tracer = (*otelTracer)(nil)
	_ tab.Span   = (*otelSpan)(nil)
)
