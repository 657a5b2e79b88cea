package adapter

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/observability"
	"github.com/aelexs/otp-gateway/internal/otpgateway/app"
)

var _ app.EventSink = (*TelemetrySink)(nil)

// TelemetrySink turns lifecycle events into structured log lines and OTel
// metrics. Mobile numbers are masked before they reach either.
type TelemetrySink struct {
	logger  *slog.Logger
	metrics *observability.OTPMetrics
}

// NewTelemetrySink creates a TelemetrySink. A nil metrics disables metric
// recording.
func NewTelemetrySink(logger *slog.Logger, metrics *observability.OTPMetrics) *TelemetrySink {
	return &TelemetrySink{logger: logger, metrics: metrics}
}

// Emit implements app.EventSink.
func (s *TelemetrySink) Emit(ctx context.Context, e app.Event) {
	s.log(ctx, e)
	if s.metrics != nil {
		s.record(ctx, e)
	}
}

func (s *TelemetrySink) log(ctx context.Context, e app.Event) {
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		observability.Mobile(e.Mobile),
		slog.String("outcome", string(e.Outcome)),
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	if e.ProviderStatus != "" {
		attrs = append(attrs, slog.String("provider_status", e.ProviderStatus))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	level := slog.LevelInfo
	switch {
	case e.Type == app.EventDispatchOrphaned, e.Outcome == domain.OutcomeStoreUnavailable:
		level = slog.LevelError
	case e.Outcome == domain.OutcomeDispatchFailed:
		level = slog.LevelWarn
	case e.Type == app.EventDispatch, e.Outcome == domain.OutcomeRateLimited:
		level = slog.LevelDebug
	}

	observability.WithTraceID(ctx, s.logger).LogAttrs(ctx, level, string(e.Type), attrs...)
}

func (s *TelemetrySink) record(ctx context.Context, e app.Event) {
	outcome := attribute.String("outcome", string(e.Outcome))
	switch e.Type {
	case app.EventIssue:
		s.metrics.Requests.Add(ctx, 1, metric.WithAttributes(outcome, attribute.String("detail", e.Detail)))
	case app.EventDispatch:
		s.metrics.Dispatches.Add(ctx, 1, metric.WithAttributes(outcome, attribute.String("reason", e.Detail)))
		s.metrics.DispatchDuration.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(outcome))
	case app.EventDispatchOrphaned:
		s.metrics.Orphans.Add(ctx, 1)
	case app.EventVerify:
		s.metrics.Verifications.Add(ctx, 1, metric.WithAttributes(outcome))
	}
}
