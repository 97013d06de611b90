package tab

import "context"

// Tracer is the observability boundary. The engine emits spans around
// sessions, turns, and adapter calls; implementations map them onto a
// backend. The engine's behavior is identical under the nop tracer, and
// sink errors are never allowed to fail a turn.
type Tracer interface {
	// StartSpan opens a span and returns the derived context carrying it.
	StartSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// AddEvent records a point-in-time event on the span.
	AddEvent(name string, attrs ...SpanAttr)
	// RecordError marks the span as failed.
	RecordError(err error)
	// End closes the span. Must be called exactly once.
	End()
}

// SpanAttr is a typed key-value attribute.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Metrics is the counter-and-histogram sink. Implementations must be
// non-blocking; a slow or failing backend degrades to dropped points.
type Metrics interface {
	CountTurn(ctx context.Context, agentID, outcome string)
	CountPolicyDecision(ctx context.Context, verdict, reason string)
	RecordTurnDuration(ctx context.Context, agentID string, seconds float64)
	RecordTurnCost(ctx context.Context, agentID string, cost float64)
	RecordSessionTotals(ctx context.Context, reason string, turns int, cost float64)
}

// NopTracer returns a tracer that records nothing.
func NopTracer() Tracer { return nopTracer{} }

type nopTracer struct{}

func (nopTracer) StartSpan(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, nopSpan{}
}

type nopSpan struct{}

func (nopSpan) AddEvent(string, ...SpanAttr) {}
func (nopSpan) RecordError(error)            {}
func (nopSpan) End()                         {}

// NopMetrics returns a metrics sink that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

type nopMetrics struct{}

func (nopMetrics) CountTurn(context.Context, string, string)           {}
func (nopMetrics) CountPolicyDecision(context.Context, string, string) {}
func (nopMetrics) RecordTurnDuration(context.Context, string, float64) {}
func (nopMetrics) RecordTurnCost(context.Context, string, float64)     {}

func (nopMetrics) RecordSessionTotals(context.Context, string, int, float64) {}
