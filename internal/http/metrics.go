package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/devcrew/internal/http"

// serverMetrics covers request traffic plus the session streams the server
// fans out over SSE.
type serverMetrics struct {
	logger *zap.Logger

	requests metric.Int64Counter
	latency  metric.Float64Histogram
	streams  metric.Int64UpDownCounter
	frames   metric.Int64Counter
	launches metric.Int64Counter
}

func newServerMetrics(logger *zap.Logger) *serverMetrics {
	return newServerMetricsWithMeter(otel.Meter(httpInstrumentationName), logger)
}

func newServerMetricsWithMeter(meter metric.Meter, logger *zap.Logger) *serverMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &serverMetrics{logger: logger}

	var err error
	if m.requests, err = meter.Int64Counter(
		"devcrew.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		m.warn("requests_total", err)
	}
	// SSE requests stay open for the whole session; their latency lands in the top buckets.
	if m.latency, err = meter.Float64Histogram(
		"devcrew.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method and route"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 2.5, 10, 60, 600),
	); err != nil {
		m.warn("request_duration_seconds", err)
	}
	if m.streams, err = meter.Int64UpDownCounter(
		"devcrew.http.sse.subscribers",
		metric.WithDescription("Open session event streams"),
		metric.WithUnit("{stream}"),
	); err != nil {
		m.warn("sse.subscribers", err)
	}
	if m.frames, err = meter.Int64Counter(
		"devcrew.http.sse.events_total",
		metric.WithDescription("SSE frames written by event name"),
		metric.WithUnit("{event}"),
	); err != nil {
		m.warn("sse.events_total", err)
	}
	if m.launches, err = meter.Int64Counter(
		"devcrew.http.session_launches_total",
		metric.WithDescription("Start and resume requests by result"),
		metric.WithUnit("{session}"),
	); err != nil {
		m.warn("session_launches_total", err)
	}
	return m
}

func (m *serverMetrics) warn(name string, err error) {
	m.logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
}

// middleware records one request count and latency sample per handled request.
func (m *serverMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				// the error handler has not written yet
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			ctx := c.Request().Context()
			route := routeLabel(c.Path())
			method := c.Request().Method
			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(
					attribute.String("method", method),
					attribute.String("endpoint", route),
					attribute.String("status", strconv.Itoa(status)),
				))
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.String("method", method),
					attribute.String("endpoint", route),
				))
			}
			return err
		}
	}
}

// subscribed marks one stream open until the returned func runs.
func (m *serverMetrics) subscribed(ctx context.Context) func() {
	if m.streams == nil {
		return func() {}
	}
	m.streams.Add(ctx, 1)
	return func() { m.streams.Add(context.WithoutCancel(ctx), -1) }
}

func (m *serverMetrics) frame(ctx context.Context, event string) {
	if m.frames != nil {
		m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	}
}

// launch counts a start or resume attempt. result is "accepted", "conflict"
// or "error".
func (m *serverMetrics) launch(ctx context.Context, result string) {
	if m.launches != nil {
		m.launches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// routeLabel maps the matched route to a metric label. Echo reports the
// route pattern (/api/v1/sessions/:id), so session IDs never reach a label.
// Requests that matched no route share one label.
func routeLabel(path string) string {
	if path == "" || path == "/*" {
		return "unmatched"
	}
	return path
}
