package infrastructure

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playguard/internal/config"
)

func TestOTelConfigFromTelemetry(t *testing.T) {
	cfg := OTelConfigFromTelemetry(config.TelemetryConfig{
		EnableTracing: true,
		EnableMetrics: false,
		TraceExporter: "stdout",
		SampleRatio:   0.5,
		Environment:   "staging",
	})

	assert.Equal(t, ServiceName, cfg.ServiceName)
	assert.Equal(t, "none", cfg.MetricExporter)
	assert.Equal(t, "stdout", cfg.TraceExporter)
	assert.Equal(t, 0.5, cfg.SampleRatio)
	assert.Equal(t, "staging", cfg.Environment)
}

func TestInitializeOTel(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	var spans bytes.Buffer

	providers, err := InitializeOTel(&OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: "test",
		Environment:    "test",
		TraceExporter:  "stdout",
		MetricExporter: "prometheus",
		EnableMetrics:  true,
		EnableTracing:  true,
		SampleRatio:    1.0,
		TraceWriter:    &spans,
	}, logger)
	require.NoError(t, err)
	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Meter)
	require.NotNil(t, providers.PrometheusHTTP)

	counter, err := providers.Meter.Int64Counter("playguard_test_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	ctx, span := providers.Tracer.Start(context.Background(), "test-span")
	assert.NotEmpty(t, TraceIDFromContext(ctx))
	AddSpanEvent(ctx, "checked", map[string]interface{}{"track_id": "t1", "plays": 3, "ok": true})
	span.End()

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "playguard_test_total")

	require.NoError(t, providers.Shutdown(context.Background()))
	assert.Contains(t, spans.String(), "test-span")
}

func TestInitializeOTelUnsupportedExporter(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := InitializeOTel(&OTelConfig{
		ServiceName:   ServiceName,
		TraceExporter: "jaeger",
		EnableTracing: true,
	}, logger)
	assert.Error(t, err)
}

func TestTraceIDFromContextFallback(t *testing.T) {
	ctx := WithTraceID(context.Background(), "req-1")
	assert.Equal(t, "req-1", TraceIDFromContext(ctx))
}
