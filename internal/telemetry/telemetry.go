// Package telemetry exports pipeline metrics through OpenTelemetry with a
// Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Provider owns the meter provider and the Prometheus registry behind /metrics.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	handler       http.Handler
}

// Setup builds a meter provider that feeds a private Prometheus registry.
func Setup(serviceName string) (*Provider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	return &Provider{
		meterProvider: mp,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, nil
}

// Meter returns the named meter.
func (p *Provider) Meter(name string) metric.Meter {
	return p.meterProvider.Meter(name)
}

// Handler serves the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}

// Metrics are the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	admitted metric.Int64Counter
	dropped  metric.Int64Counter
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewMetrics registers the pipeline instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	admitted, err := meter.Int64Counter("fingerspell.frames.admitted",
		metric.WithDescription("Frames accepted into the pipeline"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("fingerspell.frames.dropped",
		metric.WithDescription("Frames released because another frame was in flight"))
	if err != nil {
		return nil, err
	}
	outcomes, err := meter.Int64Counter("fingerspell.outcomes",
		metric.WithDescription("Per-frame outcomes by kind"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("fingerspell.latency",
		metric.WithDescription("Admission to decode latency of recognized symbols"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		admitted: admitted,
		dropped:  dropped,
		outcomes: outcomes,
		latency:  latency,
	}, nil
}

// FrameAdmitted counts one admitted frame.
func (m *Metrics) FrameAdmitted() {
	if m == nil {
		return
	}
	m.admitted.Add(context.Background(), 1)
}

// FrameDropped counts one dropped frame.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.dropped.Add(context.Background(), 1)
}

// Outcome counts one outcome of kind. Latency is recorded for symbols only.
func (m *Metrics) Outcome(kind string, latency time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	if kind == "symbol" {
		m.latency.Record(ctx, float64(latency.Microseconds())/1000)
	}
}
