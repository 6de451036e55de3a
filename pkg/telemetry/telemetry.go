// Package telemetry wires the broker's metrics through OpenTelemetry with a
// Prometheus pull exporter. The provider owns the meter provider, the
// /metrics handler, and the broker's instrument set; when telemetry is
// disabled everything degrades to no-ops.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/logger"
)

// instrumentationName is the name of this instrumentation package.
const instrumentationName = "github.com/nangohq/nango/pkg/telemetry"

// FlowDurationBuckets are the histogram boundaries for handshake and HTTP
// durations. Handshakes include a user authorizing on the provider's site,
// so the tail runs long.
var FlowDurationBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300,
}

type settings struct {
	serviceName    string
	serviceVersion string
	enabled        bool
}

// Option configures the telemetry provider.
type Option func(*settings) error

// WithServiceName sets the service name attached to all metrics.
func WithServiceName(name string) Option {
	return func(s *settings) error {
		if name == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		s.serviceName = name
		return nil
	}
}

// WithServiceVersion sets the service version attached to all metrics.
func WithServiceVersion(version string) Option {
	return func(s *settings) error {
		if version == "" {
			return fmt.Errorf("service version cannot be empty")
		}
		s.serviceVersion = version
		return nil
	}
}

// WithEnabled turns metric collection on or off. Disabled providers hand out
// no-op instruments and a nil /metrics handler.
func WithEnabled(enabled bool) Option {
	return func(s *settings) error {
		s.enabled = enabled
		return nil
	}
}

// Provider owns the meter provider, the Prometheus handler, and the broker's
// instruments.
type Provider struct {
	meterProvider metric.MeterProvider
	handler       http.Handler
	metrics       *Metrics
	shutdownFuncs []func(context.Context) error
}

// NewProvider builds a telemetry provider. With telemetry disabled it
// returns no-op instruments so call sites never branch.
func NewProvider(ctx context.Context, options ...Option) (*Provider, error) {
	cfg := settings{
		serviceName:    "nango-server",
		serviceVersion: "dev",
		enabled:        true,
	}
	for _, option := range options {
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}

	if !cfg.enabled {
		logger.Infof("Telemetry disabled, metrics are no-ops")
		mp := noop.NewMeterProvider()
		return &Provider{
			meterProvider: mp,
			metrics:       newMetrics(mp),
			shutdownFuncs: []func(context.Context) error{},
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName),
			semconv.ServiceVersion(cfg.serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			cfg.serviceName, cfg.serviceVersion, err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	return &Provider{
		meterProvider: mp,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		metrics:       newMetrics(mp),
		shutdownFuncs: []func(context.Context) error{mp.Shutdown},
	}, nil
}

// MeterProvider returns the underlying meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Metrics returns the broker instrument set.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Handler returns the Prometheus scrape handler, or nil when telemetry is
// disabled.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown failed with %d errors: %v", len(errs), errs)
	}
	return nil
}

// Metrics holds the broker's instruments. All record methods are safe under
// concurrent use.
type Metrics struct {
	flowsStarted      metric.Int64Counter
	flowsFinished     metric.Int64Counter
	flowDuration      metric.Float64Histogram
	refreshes         metric.Int64Counter
	webhookDeliveries metric.Int64Counter
	connectionsCapped metric.Int64Counter
	httpRequests      metric.Int64Counter
	httpDuration      metric.Float64Histogram
}

func newMetrics(meterProvider metric.MeterProvider) *Metrics {
	meter := meterProvider.Meter(instrumentationName)

	flowsStarted, _ := meter.Int64Counter(
		"nango_auth_flows", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of auth handshakes started"),
	)

	flowsFinished, _ := meter.Int64Counter(
		"nango_auth_flow_results",
		metric.WithDescription("Total number of auth handshakes finished"),
	)

	flowDuration, _ := meter.Float64Histogram(
		"nango_auth_flow_duration", // The exporter adds the _seconds suffix automatically
		metric.WithDescription("Duration of auth handshakes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(FlowDurationBuckets...),
	)

	refreshes, _ := meter.Int64Counter(
		"nango_token_refreshes",
		metric.WithDescription("Total number of token refresh attempts"),
	)

	webhookDeliveries, _ := meter.Int64Counter(
		"nango_webhook_deliveries",
		metric.WithDescription("Total number of auth webhook deliveries"),
	)

	connectionsCapped, _ := meter.Int64Counter(
		"nango_connections_capped",
		metric.WithDescription("Total number of connections denied an initial sync by the script cap"),
	)

	httpRequests, _ := meter.Int64Counter(
		"nango_http_requests",
		metric.WithDescription("Total number of HTTP requests"),
	)

	httpDuration, _ := meter.Float64Histogram(
		"nango_http_request_duration",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
	)

	return &Metrics{
		flowsStarted:      flowsStarted,
		flowsFinished:     flowsFinished,
		flowDuration:      flowDuration,
		refreshes:         refreshes,
		webhookDeliveries: webhookDeliveries,
		connectionsCapped: connectionsCapped,
		httpRequests:      httpRequests,
		httpDuration:      httpDuration,
	}
}

// NoopMetrics returns instruments backed by a no-op meter, for callers and
// tests that don't wire a provider.
func NoopMetrics() *Metrics {
	return newMetrics(noop.NewMeterProvider())
}

// RecordFlowStarted counts a handshake entering a driver. The upsert
// operation is not known until the flow finishes, so started flows carry
// only the auth mode.
func (m *Metrics) RecordFlowStarted(ctx context.Context, mode auth.AuthMode) {
	m.flowsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auth_mode", string(mode)),
	))
}

// RecordFlowFinished counts a handshake leaving a driver and records how
// long it took.
func (m *Metrics) RecordFlowFinished(
	ctx context.Context, mode auth.AuthMode, op connection.Operation, success bool, elapsed time.Duration,
) {
	attrs := metric.WithAttributes(
		attribute.String("auth_mode", string(mode)),
		attribute.String("operation", string(op)),
		attribute.Bool("success", success),
	)
	m.flowsFinished.Add(ctx, 1, attrs)
	m.flowDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("auth_mode", string(mode)),
		attribute.Bool("success", success),
	))
}

// RecordRefresh counts a token refresh attempt.
func (m *Metrics) RecordRefresh(ctx context.Context, success bool) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordWebhookDelivery counts an auth webhook delivery attempt outcome.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, success bool) {
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordConnectionCapped counts a connection that skipped its initial sync
// because the integration already hit the script cap.
func (m *Metrics) RecordConnectionCapped(ctx context.Context, providerConfigKey string) {
	m.connectionsCapped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider_config_key", providerConfigKey),
	))
}

// Middleware instruments HTTP requests with a count and duration, labelled
// by the chi route pattern so path parameters don't explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("method", r.Method),
			attribute.Int("status", status),
		)
		m.httpRequests.Add(r.Context(), 1, attrs)
		m.httpDuration.Record(r.Context(), time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("method", r.Method),
		))
	})
}
