// Package telemetry hosts the OTEL metric recorder used by the workers.
// Configure the global MeterProvider before starting workers; without one the
// recorder degrades to no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records worker counters and timers.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
}

// OTELMetrics delegates to the global OTEL MeterProvider.
type OTELMetrics struct {
	meter metric.Meter
}

// NewOTELMetrics constructs the default metrics recorder.
func NewOTELMetrics() *OTELMetrics {
	return &OTELMetrics{meter: otel.Meter("github.com/cronicorn/cronicorn")}
}

// IncCounter increments a counter metric by the given value.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric in seconds.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

// NopMetrics discards all recordings; used in tests.
type NopMetrics struct{}

// IncCounter implements Metrics.
func (NopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NopMetrics) RecordTimer(string, time.Duration, ...string) {}
