package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/jensholdgaard/cricket-auction/internal/config"
)

func TestNopProvider_Shutdown(t *testing.T) {
	p := NewNopProvider()
	require.NotNil(t, p.TracerProvider)
	require.NotNil(t, p.MeterProvider)
	require.NotNil(t, p.LoggerProvider)
	require.NotNil(t, p.Logger)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSetup_WithoutEndpoint(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "auctiond-test", ServiceVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	counter, err := p.MeterProvider.Meter("test").Int64Counter("auction.assignments")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := p.TracerProvider.Tracer("test").Start(context.Background(), "Engine.AssignPlayer")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestLocalProvider_LogsJSON(t *testing.T) {
	var buf bytes.Buffer
	p := newLocalProvider(resource.Empty(), &buf)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Logger.Info("player assigned", slog.Int64("player_id", 7))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "player assigned", rec["msg"])
	require.EqualValues(t, 7, rec["player_id"])
}

func TestLogWithTrace(t *testing.T) {
	var buf bytes.Buffer
	p := newLocalProvider(resource.Empty(), &buf)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	require.Same(t, p.Logger, LogWithTrace(context.Background(), p.Logger))

	ctx, span := p.TracerProvider.Tracer("test").Start(context.Background(), "Layer.refresh")
	defer span.End()
	LogWithTrace(ctx, p.Logger).Info("refreshed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, span.SpanContext().TraceID().String(), rec["trace_id"])
	require.Equal(t, span.SpanContext().SpanID().String(), rec["span_id"])
}
