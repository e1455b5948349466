package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestServerMetrics(t *testing.T) (*serverMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return newServerMetricsWithMeter(mp.Meter(httpInstrumentationName), zap.NewNop()), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumBy(t *testing.T, data metricdata.Aggregation, key string) map[string]int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestServerMetrics_Middleware(t *testing.T) {
	m, reader := newTestServerMetrics(t)

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"session_id": c.Param("id")})
	})
	e.POST("/api/v1/sessions/:id/resume", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "running")
	})

	for _, path := range []string{"/health", "/api/v1/sessions/one", "/api/v1/sessions/two"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/one/resume", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	data := collect(t, reader)
	require.Contains(t, data, "devcrew.http.requests_total")
	assert.Equal(t, map[string]int64{
		"/health":                     1,
		"/api/v1/sessions/:id":        2,
		"/api/v1/sessions/:id/resume": 1,
	}, sumBy(t, data["devcrew.http.requests_total"], "endpoint"))
	assert.Equal(t, map[string]int64{"200": 3, "409": 1},
		sumBy(t, data["devcrew.http.requests_total"], "status"))

	hist, ok := data["devcrew.http.request_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(4), total)
}

func TestServerMetrics_Streams(t *testing.T) {
	m, reader := newTestServerMetrics(t)
	ctx := context.Background()

	closeFirst := m.subscribed(ctx)
	m.subscribed(ctx)
	m.frame(ctx, "update")
	m.frame(ctx, "update")
	m.frame(ctx, "end")
	closeFirst()

	m.launch(ctx, "accepted")
	m.launch(ctx, "conflict")

	data := collect(t, reader)
	var open int64
	for _, v := range sumBy(t, data["devcrew.http.sse.subscribers"], "event") {
		open += v
	}
	assert.Equal(t, int64(1), open)
	assert.Equal(t, map[string]int64{"update": 2, "end": 1}, sumBy(t, data["devcrew.http.sse.events_total"], "event"))
	assert.Equal(t, map[string]int64{"accepted": 1, "conflict": 1}, sumBy(t, data["devcrew.http.session_launches_total"], "result"))
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "unmatched"},
		{"/*", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/sessions/:id/events", "/api/v1/sessions/:id/events"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, routeLabel(tt.input), tt.input)
	}
}
