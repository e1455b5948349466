package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Telemetry owns the process's trace and meter providers. Exporter trouble
// marks it degraded instead of failing the session it happens under.
type Telemetry struct {
	config *Config
	logger *zap.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	healthy  atomic.Bool
	degraded atomic.Bool
}

// pipeline is the flush and shutdown surface shared by both SDK providers.
type pipeline struct {
	name string
	p    interface {
		ForceFlush(context.Context) error
		Shutdown(context.Context) error
	}
}

func (t *Telemetry) pipelines() []pipeline {
	var out []pipeline
	if t.tracerProvider != nil {
		out = append(out, pipeline{"trace", t.tracerProvider})
	}
	if t.meterProvider != nil {
		out = append(out, pipeline{"metric", t.meterProvider})
	}
	return out
}

// New builds the providers from cfg and installs them as the otel globals,
// along with W3C trace context propagation. A disabled config yields an
// instance whose Tracer and Meter fall through to the globals.
func New(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Telemetry{config: cfg, logger: logger}
	t.healthy.Store(true)
	if !cfg.Enabled {
		return t, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	spans, metrics, err := o.exporters(ctx, cfg)
	if err != nil {
		t.setDegraded("exporter setup failed", err)
	}

	res := newResource(cfg)
	if spans != nil {
		t.tracerProvider = newTracerProvider(cfg, res, spans)
		otel.SetTracerProvider(t.tracerProvider)
	}
	if metrics != nil {
		t.meterProvider = newMeterProvider(cfg, res, metrics)
		otel.SetMeterProvider(t.meterProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("degraded", t.degraded.Load()),
	)
	return t, nil
}

// Tracer returns a tracer from the owned provider, or the global one when
// tracing is off.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter from the owned provider, or the global one when
// metrics are off.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// ForceFlush exports whatever is buffered.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, p := range t.pipelines() {
		if err := p.p.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s flush: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	for _, p := range t.pipelines() {
		if err := p.p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s provider shutdown: %w", p.name, err))
		}
	}
	t.healthy.Store(false)
	return errors.Join(errs...)
}

// HealthStatus is a point-in-time health report.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
}

// Health reports the current status. A nil Telemetry is unhealthy.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	return HealthStatus{Healthy: t.healthy.Load(), Degraded: t.degraded.Load()}
}

// IsEnabled reports whether export is configured and not yet shut down.
func (t *Telemetry) IsEnabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && t.healthy.Load()
}

func (t *Telemetry) setDegraded(msg string, err error) {
	t.degraded.Store(true)
	t.logger.Warn("telemetry degraded: "+msg, zap.Error(err))
}
