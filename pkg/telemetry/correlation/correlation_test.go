package correlation

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDGeneratesULID(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	_, err := ulid.ParseStrict(cid)
	require.NoError(t, err)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))

	again, same := EnsureCorrelationID(ctx)
	assert.Equal(t, cid, same)
	assert.Equal(t, cid, ExtractCorrelationID(again))
}

func TestContextWithCorrelationIDIgnoresBlank(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "  ")
	assert.Empty(t, ExtractCorrelationID(ctx))
}

func TestStamp(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = ContextWithCorrelationID(ctx, "01HZY4Q4B3J9Z6S7W8X9Y0ZABC")

	in := map[string]any{"event_id": "evt_1"}
	out := Stamp(ctx, in)

	assert.Equal(t, "evt_1", out["event_id"])
	assert.Equal(t, "01HZY4Q4B3J9Z6S7W8X9Y0ZABC", out["correlation_id"])
	assert.Equal(t, traceID.String(), out["trace_id"])
	assert.Equal(t, spanID.String(), out["span_id"])
	assert.NotContains(t, in, "correlation_id")
}
