package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

const instrumentationName = "github.com/fyrsmithlabs/devcrew/internal/mcp"

// Session outcomes reported once the event stream of a launched session ends.
const (
	outcomeDone    = "done"
	outcomeFailed  = "failed"
	outcomeStopped = "stopped"
)

// Metrics records tool calls and the sessions they launch.
type Metrics struct {
	meter  metric.Meter
	logger *zap.Logger

	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	inflight metric.Int64UpDownCounter
	sessions metric.Int64Counter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}

	var err error
	if m.calls, err = meter.Int64Counter(
		"devcrew.mcp.tool.calls_total",
		metric.WithDescription("MCP tool calls by tool and result"),
		metric.WithUnit("{call}"),
	); err != nil {
		m.warn("calls_total", err)
	}
	// Wait-mode crew calls last as long as the session, hence the long tail.
	if m.latency, err = meter.Float64Histogram(
		"devcrew.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.25, 1, 5, 30, 120, 600, 1800),
	); err != nil {
		m.warn("duration_seconds", err)
	}
	if m.failures, err = meter.Int64Counter(
		"devcrew.mcp.tool.errors_total",
		metric.WithDescription("MCP tool failures by tool and reason"),
		metric.WithUnit("{error}"),
	); err != nil {
		m.warn("errors_total", err)
	}
	if m.inflight, err = meter.Int64UpDownCounter(
		"devcrew.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{call}"),
	); err != nil {
		m.warn("active_requests", err)
	}
	if m.sessions, err = meter.Int64Counter(
		"devcrew.mcp.sessions_total",
		metric.WithDescription("Sessions launched over MCP by kind, mode and outcome"),
		metric.WithUnit("{session}"),
	); err != nil {
		m.warn("sessions_total", err)
	}
	return m
}

func (m *Metrics) warn(name string, err error) {
	m.logger.Warn("failed to create mcp instrument", zap.String("instrument", name), zap.Error(err))
}

// begin marks a tool call in flight. The returned func records its result.
func (m *Metrics) begin(ctx context.Context, tool string) func(error) {
	start := time.Now()
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, toolAttr)
	}
	return func(err error) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, toolAttr)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("result", result),
			))
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), toolAttr)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", categorizeError(err)),
			))
		}
	}
}

// sessionEnded counts one launched session by how it ended.
func (m *Metrics) sessionEnded(ctx context.Context, kind string, wait bool, outcome string) {
	if m.sessions == nil {
		return
	}
	mode := "detached"
	if wait {
		mode = "wait"
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

// categorizeError maps a tool error onto a small, stable reason set.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, checkpoint.ErrNotFound):
		return "not_found"
	case errors.Is(err, orchestrator.ErrSessionRunning),
		errors.Is(err, orchestrator.ErrSessionExists),
		errors.Is(err, orchestrator.ErrSessionFinished):
		return "conflict"
	case errors.Is(err, tools.ErrInvalidArgs),
		errors.Is(err, orchestrator.ErrEmptyRequest),
		errors.Is(err, orchestrator.ErrInvalidSessionID):
		return "validation_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"):
		return "validation_error"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "permission"):
		return "auth_error"
	case strings.Contains(msg, "session") && strings.Contains(msg, "failed"):
		return "session_failed"
	}
	return "internal_error"
}
