package toolcall

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sentinel label values used when a dimension is unknown.
const (
	UnknownProvider = "unknown-provider"
	UnknownModel    = "unknown-model"
	UnknownTool     = "unknown-tool"
)

const meterName = "coder"

// Label identifies one malformed call observation.
type Label struct {
	Provider string
	Model    string
	Reason   string
	ToolName string
}

func (l Label) normalized() Label {
	if l.Provider == "" {
		l.Provider = UnknownProvider
	}
	if l.Model == "" {
		l.Model = UnknownModel
	}
	if l.ToolName == "" {
		l.ToolName = UnknownTool
	}
	return l
}

// Key is the provider/model/tool grouping for a label.
func (l Label) Key() string {
	n := l.normalized()
	return n.Provider + "/" + n.Model + "/" + n.ToolName
}

// KeyStats counts malformed calls for one provider/model/tool key.
type KeyStats struct {
	Count   int            `json:"count"`
	Reasons map[string]int `json:"reasons"`
}

// MetricsSnapshot is a point-in-time copy of malformed call counters.
type MetricsSnapshot struct {
	Count   int                 `json:"count"`
	Reasons map[string]int      `json:"reasons"`
	ByKey   map[string]KeyStats `json:"byKey"`
}

// Metrics aggregates malformed tool call observations in memory and mirrors
// each one into an OpenTelemetry counter. Safe for concurrent use.
type Metrics struct {
	mu      sync.Mutex
	count   int
	reasons map[string]int
	byKey   map[string]*KeyStats

	counter metric.Int64Counter
}

// NewMetrics creates a Metrics recorder using the global meter provider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates a Metrics recorder on the given meter. A
// counter that fails to register leaves only the in-memory aggregation.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{
		reasons: make(map[string]int),
		byKey:   make(map[string]*KeyStats),
	}
	if meter != nil {
		counter, err := meter.Int64Counter("coder.toolcalls.malformed",
			metric.WithDescription("Number of malformed tool calls"))
		if err == nil {
			m.counter = counter
		}
	}
	return m
}

// Record counts one malformed call.
func (m *Metrics) Record(l Label) {
	if m == nil {
		return
	}
	n := l.normalized()
	key := l.Key()

	m.mu.Lock()
	m.count++
	m.reasons[n.Reason]++
	ks, ok := m.byKey[key]
	if !ok {
		ks = &KeyStats{Reasons: make(map[string]int)}
		m.byKey[key] = ks
	}
	ks.Count++
	ks.Reasons[n.Reason]++
	m.mu.Unlock()

	if m.counter != nil {
		m.counter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("provider", n.Provider),
			attribute.String("model", n.Model),
			attribute.String("tool", n.ToolName),
			attribute.String("reason", n.Reason),
		))
	}
}

// Snapshot returns a deep copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Reasons: make(map[string]int),
		ByKey:   make(map[string]KeyStats),
	}
	if m == nil {
		return snap
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Count = m.count
	for r, c := range m.reasons {
		snap.Reasons[r] = c
	}
	for k, ks := range m.byKey {
		reasons := make(map[string]int, len(ks.Reasons))
		for r, c := range ks.Reasons {
			reasons[r] = c
		}
		snap.ByKey[k] = KeyStats{Count: ks.Count, Reasons: reasons}
	}
	return snap
}
