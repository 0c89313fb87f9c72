package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/config"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestNewNoopWhenPrometheusDisabled(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test", ServiceVersion: "1.0.0"}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.NotNil(t, tel.MeterProvider())
}

func TestNewPrometheusEnabled(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		ServiceName:       "test",
		ServiceVersion:    "1.0.0",
		PrometheusEnabled: true,
		PrometheusPort:    19091,
	}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, tel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestInitMetrics(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test"}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)

	assert.NotNil(t, metrics.QueriesTotal)
	assert.NotNil(t, metrics.QueriesByType)
	assert.NotNil(t, metrics.QueryDuration)
	assert.NotNil(t, metrics.QueriesBlocked)
	assert.NotNil(t, metrics.QueriesRefused)
	assert.NotNil(t, metrics.QueriesServFail)
	assert.NotNil(t, metrics.FeedCycles)
	assert.NotNil(t, metrics.FeedItemsWritten)
	assert.NotNil(t, metrics.FeedWriteErrors)
	assert.NotNil(t, metrics.BindsActive)
}

func TestMetricsRecording(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test"}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	metrics.QueriesTotal.Add(ctx, 1, metric.WithAttributes())
	metrics.QueryDuration.Record(ctx, 5.5, metric.WithAttributes())
	metrics.FeedItemsWritten.Add(ctx, 3, metric.WithAttributes())
}

func TestShutdownWithPrometheusEnabled(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test", PrometheusEnabled: true, PrometheusPort: 19092}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}
