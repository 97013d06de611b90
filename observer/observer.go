// Package observer provides OTEL-based observability for the dialogue
// engine.
//
// It implements tab.Tracer and tab.Metrics over OpenTelemetry. Users
// export to any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/tab/observer"

// Instruments holds all OTEL instruments used by the engine sinks.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Turns           metric.Int64Counter
	PolicyDecisions metric.Int64Counter
	CostTotal       metric.Float64Counter

	// Histograms
	TurnDuration metric.Float64Histogram
	TurnCost     metric.Float64Histogram
	SessionTurns metric.Int64Histogram
	SessionCost  metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("tab")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	turns, err := meter.Int64Counter("dialogue.turns",
		metric.WithDescription("Turn count by agent and outcome"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	policyDecisions, err := meter.Int64Counter("dialogue.policy.decisions",
		metric.WithDescription("Policy verdicts by reason"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("dialogue.cost.total",
		metric.WithDescription("Cumulative dialogue cost"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram("dialogue.turn.duration",
		metric.WithDescription("Turn execution duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	turnCost, err := meter.Float64Histogram("dialogue.turn.cost",
		metric.WithDescription("Per-turn cost"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	sessionTurns, err := meter.Int64Histogram("dialogue.session.turns",
		metric.WithDescription("Turns per completed session"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	sessionCost, err := meter.Float64Histogram("dialogue.session.cost",
		metric.WithDescription("Cost per completed session"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Logger:          logger,
		Turns:           turns,
		PolicyDecisions: policyDecisions,
		CostTotal:       costTotal,
		TurnDuration:    turnDuration,
		TurnCost:        turnCost,
		SessionTurns:    sessionTurns,
		SessionCost:     sessionCost,
	}, nil
}
