package observer

import (
	"context"

	"github.com/nevindra/tab"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelMetrics implements tab.Metrics over the engine instruments.
type otelMetrics struct {
	inst *Instruments
}

// NewMetrics returns a tab.Metrics backed by the given instruments.
func NewMetrics(inst *Instruments) tab.Metrics {
	return &otelMetrics{inst: inst}
}

var _ tab.Metrics = (*otelMetrics)(nil)

func (m *otelMetrics) CountTurn(ctx context.Context, agentID, outcome string) {
	m.inst.Turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) CountPolicyDecision(ctx context.Context, verdict, reason string) {
	m.inst.PolicyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordTurnDuration(ctx context.Context, agentID string, seconds float64) {
	m.inst.TurnDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("agent_id", agentID),
	))
}

func (m *otelMetrics) RecordTurnCost(ctx context.Context, agentID string, cost float64) {
	attrs := metric.WithAttributes(attribute.String("agent_id", agentID))
	m.inst.TurnCost.Record(ctx, cost, attrs)
	m.inst.CostTotal.Add(ctx, cost, attrs)
}

func (m *otelMetrics) RecordSessionTotals(ctx context.Context, reason string, turns int, cost float64) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.inst.SessionTurns.Record(ctx, int64(turns), attrs)
	m.inst.SessionCost.Record(ctx, cost, attrs)
}
