// Package telemetry wires up the Prometheus + OpenTelemetry exporters used
// by the query handler's observability sink and the threat-feed ingester's
// reliability counters.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/config"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds the meter provider and the Prometheus HTTP exporter.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every counter/histogram this daemon emits. Deliberately
// narrower than a generic DNS server's metric set: only the query-path
// outcomes (spec.md §4.5 DONE state) and the ingester's per-cycle
// reliability counts (spec.md §4.7) are tracked.
type Metrics struct {
	QueriesTotal    metric.Int64Counter
	QueriesByType   metric.Int64Counter
	QueryDuration   metric.Float64Histogram
	QueriesBlocked  metric.Int64Counter
	QueriesRefused  metric.Int64Counter
	QueriesServFail metric.Int64Counter

	FeedCycles       metric.Int64Counter
	FeedItemsWritten metric.Int64Counter
	FeedWriteErrors  metric.Int64Counter

	BindsActive metric.Int64UpDownCounter
}

// New creates a new telemetry instance. With PrometheusEnabled false it
// uses a no-op meter provider and creates no exporter and no HTTP server;
// with it true, a Prometheus exporter feeds an SDK meter provider and
// /metrics is served on PrometheusPort.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	if !cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return t, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return nil, fmt.Errorf("failed to start prometheus server: %w", err)
	}

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"prometheus_port", cfg.PrometheusPort,
	)

	return t, nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics creates and registers every counter/histogram.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dnsblrsd")

	queriesTotal, err := meter.Int64Counter("dns.queries.total",
		metric.WithDescription("total DNS queries received"))
	if err != nil {
		return nil, err
	}
	queriesByType, err := meter.Int64Counter("dns.queries.by_type",
		metric.WithDescription("DNS queries by query type"))
	if err != nil {
		return nil, err
	}
	queryDuration, err := meter.Float64Histogram("dns.query.duration",
		metric.WithDescription("query processing duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	queriesBlocked, err := meter.Int64Counter("dns.queries.blocked",
		metric.WithDescription("queries answered NXDOMAIN due to policy match"))
	if err != nil {
		return nil, err
	}
	queriesRefused, err := meter.Int64Counter("dns.queries.refused",
		metric.WithDescription("queries answered REFUSED"))
	if err != nil {
		return nil, err
	}
	queriesServFail, err := meter.Int64Counter("dns.queries.servfail",
		metric.WithDescription("queries answered SERVFAIL"))
	if err != nil {
		return nil, err
	}
	feedCycles, err := meter.Int64Counter("feed.cycles.total",
		metric.WithDescription("threat-feed ingester cycles completed"))
	if err != nil {
		return nil, err
	}
	feedItemsWritten, err := meter.Int64Counter("feed.items.written",
		metric.WithDescription("threat-feed items written to the store"))
	if err != nil {
		return nil, err
	}
	feedWriteErrors, err := meter.Int64Counter("feed.write.errors",
		metric.WithDescription("threat-feed page request and store write failures"))
	if err != nil {
		return nil, err
	}
	bindsActive, err := meter.Int64UpDownCounter("binds.active",
		metric.WithDescription("currently active listening sockets"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		QueriesByType:    queriesByType,
		QueryDuration:    queryDuration,
		QueriesBlocked:   queriesBlocked,
		QueriesRefused:   queriesRefused,
		QueriesServFail:  queriesServFail,
		FeedCycles:       feedCycles,
		FeedItemsWritten: feedItemsWritten,
		FeedWriteErrors:  feedWriteErrors,
		BindsActive:      bindsActive,
	}, nil
}

// MeterProvider returns the meter provider, exposed so callers can
// register additional instruments beyond the fixed Metrics set.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
