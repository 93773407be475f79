package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/scanweave/scanweave/core"
)

// Config configures the metric backend.
type Config struct {
	// ServiceName identifies this process in the metric backend.
	ServiceName string

	// Endpoint is the OTLP/HTTP collector address (host:port). Empty
	// means no exporter: metrics are collected only if a Reader is
	// injected.
	Endpoint string

	// Insecure disables TLS toward the collector.
	Insecure bool

	// ExportInterval is the periodic export cadence.
	ExportInterval time.Duration

	// Reader overrides the exporter pipeline, used by tests to collect
	// metrics in-process with a manual reader.
	Reader sdkmetric.Reader

	// Logger receives telemetry self-diagnostics.
	Logger core.Logger
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "scanweave"
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = 30 * time.Second
	}
}

// meterProvider wraps the SDK provider so registry code stays decoupled
// from construction details.
type meterProvider struct {
	provider *sdkmetric.MeterProvider
}

func newMeterProvider(config Config) (*meterProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	switch {
	case config.Reader != nil:
		opts = append(opts, sdkmetric.WithReader(config.Reader))
	case config.Endpoint != "":
		expOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			expOpts = append(expOpts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(context.Background(), expOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(config.ExportInterval)),
		))
	}

	return &meterProvider{provider: sdkmetric.NewMeterProvider(opts...)}, nil
}

func (p *meterProvider) Meter(name string) metric.Meter {
	return p.provider.Meter(name)
}

func (p *meterProvider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
