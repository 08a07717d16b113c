package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLoggerAddsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(domain.LoggingConfig{Level: "info", Format: "json"}, &buf)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "analyze")
	logger.With("component", "test").InfoContext(ctx, "analysis complete", "user_id", "user-001")
	span.End()

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, span.SpanContext().TraceID().String(), rec["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), rec["span_id"])
	assert.Equal(t, true, rec["sampled"])
	assert.Equal(t, "user-001", rec["user_id"])
	assert.Equal(t, "test", rec["component"])
}

func TestNewLoggerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(domain.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "job_id", "job-1")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "job_id=job-1")
	assert.NotContains(t, out, "trace_id")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestSetupTracing(t *testing.T) {
	ctx := context.Background()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := SetupTracing(ctx, domain.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(ctx))
	assert.Equal(t, prev, otel.GetTracerProvider())

	shutdown, err = SetupTracing(ctx, domain.TracingConfig{Enabled: true, ServiceName: "kestrel-test", SampleRate: 1})
	require.NoError(t, err)

	_, span := otel.Tracer("kestrel-test").Start(ctx, "probe")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, shutdown(ctx))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
