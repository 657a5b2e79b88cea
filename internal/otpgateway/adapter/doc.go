// Package adapter contains implementations of interfaces defined in app:
// the Postgres, Redis and in-memory OTP stores, the SNS and log notifiers,
// and the telemetry event sink.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("otpgateway/adapter")
