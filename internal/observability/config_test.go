package observability

import (
	"testing"
	"time"

	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OTEL_ENABLED", "")

	cfg := LoadConfig(config.Config{AppName: "", Environment: "development", AppVersion: "1.2.3"})

	assert.Equal(t, "tokenledger", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.OtelEnabled)
	assert.True(t, cfg.Debug())
}

func TestDebugIsOffInProduction(t *testing.T) {
	cfg := Config{Environment: "production", LogLevel: "warn"}
	assert.False(t, cfg.Debug())
}

func TestLoadConfigQueryLogging(t *testing.T) {
	t.Setenv("DB_LOG_LEVEL", "")
	t.Setenv("DB_SLOW_QUERY_THRESHOLD", "")
	cfg := LoadConfig(config.Config{})
	assert.Equal(t, "warn", cfg.DBLogLevel)
	assert.Equal(t, 200*time.Millisecond, cfg.DBSlowQuery)

	t.Setenv("DB_SLOW_QUERY_THRESHOLD", "750")
	assert.Equal(t, 750*time.Millisecond, LoadConfig(config.Config{}).DBSlowQuery)

	t.Setenv("DB_SLOW_QUERY_THRESHOLD", "2s")
	assert.Equal(t, 2*time.Second, LoadConfig(config.Config{}).DBSlowQuery)
}

func TestLoadConfigTracesProtocolOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")

	cfg := LoadConfig(config.Config{})
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
}
