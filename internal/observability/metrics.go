package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the meter provider.
type MetricsConfig struct {
	ExportConfig
	// Interval between OTLP pushes. Zero uses the SDK default of one minute.
	Interval time.Duration
}

// MetricsProvider wraps the OpenTelemetry meter provider with shutdown capabilities.
type MetricsProvider struct {
	provider *sdkmetric.MeterProvider
}

// InitMetrics initializes the OpenTelemetry meter provider.
// Returns a MetricsProvider that must be shut down on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*MetricsProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(cfg.resource())}

	if cfg.Endpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithTLSCredentials(cfg.transportCredentials()),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP metric exporter: %w", err)
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.Interval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)))
	}

	provider := sdkmetric.NewMeterProvider(opts...)

	otel.SetMeterProvider(provider)

	return &MetricsProvider{provider: provider}, nil
}

// Shutdown flushes any remaining metrics and shuts down the provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.provider == nil {
		return nil
	}
	return mp.provider.Shutdown(ctx)
}

// Meter returns a meter for the given instrumentation name.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// OTPMetrics holds the instruments recorded for every OTP operation.
type OTPMetrics struct {
	Requests         metric.Int64Counter
	Dispatches       metric.Int64Counter
	Orphans          metric.Int64Counter
	Verifications    metric.Int64Counter
	DispatchDuration metric.Float64Histogram
}

// NewOTPMetrics registers the OTP instruments on meter.
func NewOTPMetrics(meter metric.Meter) (*OTPMetrics, error) {
	requests, err := meter.Int64Counter("otp.requests",
		metric.WithDescription("OTP requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create otp.requests counter: %w", err)
	}
	dispatches, err := meter.Int64Counter("otp.dispatches",
		metric.WithDescription("SMS gateway dispatches by outcome and reason"))
	if err != nil {
		return nil, fmt.Errorf("create otp.dispatches counter: %w", err)
	}
	orphans, err := meter.Int64Counter("otp.dispatch_orphans",
		metric.WithDescription("Messages sent whose record could not be stored"))
	if err != nil {
		return nil, fmt.Errorf("create otp.dispatch_orphans counter: %w", err)
	}
	verifications, err := meter.Int64Counter("otp.verifications",
		metric.WithDescription("OTP verifications by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create otp.verifications counter: %w", err)
	}
	duration, err := meter.Float64Histogram("otp.dispatch.duration",
		metric.WithDescription("SMS gateway round-trip time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create otp.dispatch.duration histogram: %w", err)
	}

	return &OTPMetrics{
		Requests:         requests,
		Dispatches:       dispatches,
		Orphans:          orphans,
		Verifications:    verifications,
		DispatchDuration: duration,
	}, nil
}
