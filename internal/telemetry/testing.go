package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// TestTelemetry records spans and metrics in memory. It leaves the otel
// globals alone, so pass its Tracer or Meter explicitly.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled, in-memory Telemetry.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tel := &Telemetry{
		config:         cfg,
		logger:         zap.NewNop(),
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	tel.healthy.Store(true)
	return &TestTelemetry{Telemetry: tel, SpanRecorder: rec, MetricReader: reader}
}

// SpanByName returns the first ended span called name, or nil.
func (t *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, s := range t.SpanRecorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AssertSpanExists fails tb unless a span called name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) != nil {
		return
	}
	var names []string
	for _, s := range t.SpanRecorder.Ended() {
		names = append(names, s.Name())
	}
	tb.Errorf("span %q not recorded; got %v", name, names)
}

// AssertSpanAttribute fails tb unless span carries key=want. Integer
// attributes compare as int64.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, span, key string, want any) {
	tb.Helper()
	s := t.SpanByName(span)
	if s == nil {
		tb.Fatalf("span %q not recorded", span)
	}
	for _, kv := range s.Attributes() {
		if string(kv.Key) != key {
			continue
		}
		if got := kv.Value.AsInterface(); got != want {
			tb.Errorf("span %q attribute %q = %v (%T), want %v (%T)", span, key, got, got, want, want)
		}
		return
	}
	tb.Errorf("span %q has no attribute %q", span, key)
}

// CounterTotal sums every data point of the int64 counter called name.
func (t *TestTelemetry) CounterTotal(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.MetricReader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
