package agentloop

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// runMetrics holds the engine's OpenTelemetry instruments. Instruments that
// fail to register stay nil and are skipped.
type runMetrics struct {
	runs      metric.Int64Counter
	rounds    metric.Int64Counter
	toolCalls metric.Int64Counter
	duration  metric.Float64Histogram
}

func newRunMetrics(meter metric.Meter) *runMetrics {
	if meter == nil {
		meter = otel.Meter("coder")
	}
	m := &runMetrics{}
	m.runs, _ = meter.Int64Counter("coder.runs",
		metric.WithDescription("Completed runs by outcome"))
	m.rounds, _ = meter.Int64Counter("coder.rounds",
		metric.WithDescription("Rounds executed"))
	m.toolCalls, _ = meter.Int64Counter("coder.tool_calls",
		metric.WithDescription("Tool calls by tool and result"))
	m.duration, _ = meter.Float64Histogram("coder.run.duration",
		metric.WithDescription("Run wall time"),
		metric.WithUnit("s"))
	return m
}

func (m *runMetrics) round(provider, model string) {
	if m == nil || m.rounds == nil {
		return
	}
	m.rounds.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
}

func (m *runMetrics) toolCall(tool string, executed, ok bool) {
	if m == nil || m.toolCalls == nil {
		return
	}
	m.toolCalls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("executed", executed),
		attribute.Bool("ok", ok),
	))
}

func (m *runMetrics) complete(outcome Outcome, provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("provider", provider),
	)
	if m.runs != nil {
		m.runs.Add(context.Background(), 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(context.Background(), elapsed.Seconds(), attrs)
	}
}
