package logger

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/railtab/internal/observability/context"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextOmitsUnsetFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	WithContext(ctx, base).Info("allocated", PaymentID(snowflake.ID(12)), TabID(snowflake.ID(3)))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-9", fields["request_id"])
	require.Equal(t, "12", fields["payment_id"])
	require.Equal(t, "3", fields["tab_id"])
	require.NotContains(t, fields, "org_id")
	require.NotContains(t, fields, "trace_id")
}

func TestBuildConfig(t *testing.T) {
	cfg, err := buildConfig(Config{Debug: true, Format: "Console"})
	require.NoError(t, err)
	require.Equal(t, "console", cfg.Encoding)
	require.Equal(t, zapcore.DebugLevel, cfg.Level.Level())

	cfg, err = buildConfig(Config{})
	require.NoError(t, err)
	require.Equal(t, "json", cfg.Encoding)
	require.Equal(t, zapcore.InfoLevel, cfg.Level.Level())

	_, err = buildConfig(Config{Level: "loud"})
	require.Error(t, err)
}
