package observability

import (
	"testing"

	"github.com/smallbiznis/railtab/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: "development", OTLPEndpoint: "collector:4317"})

	require.Equal(t, "railtab", cfg.ServiceName)
	require.False(t, cfg.OtelEnabled)
	require.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	require.Equal(t, "grpc", cfg.OtelExporterProtocol)
	require.True(t, cfg.Debug())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg := LoadConfig(config.Config{AppName: "tabs", Environment: "production"})

	require.Equal(t, "tabs", cfg.ServiceName)
	require.True(t, cfg.OtelEnabled)
	require.Equal(t, "http", cfg.OtelExporterProtocol)
	require.InDelta(t, 0.5, cfg.OtelSamplingRatio, 1e-9)
	require.Equal(t, "warn", cfg.LogLevel)
	require.False(t, cfg.Debug())
}
