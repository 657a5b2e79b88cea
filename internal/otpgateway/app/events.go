package app

import (
	"context"
	"time"

	"github.com/aelexs/otp-gateway/internal/domain"
)

// EventType names a lifecycle event.
type EventType string

const (
	// EventIssue reports the final outcome of RequestOTP.
	EventIssue EventType = "otp.issue"
	// EventDispatch reports one Notifier round-trip.
	EventDispatch EventType = "otp.dispatch"
	// EventDispatchOrphaned reports a code that reached the recipient but
	// could not be persisted.
	EventDispatchOrphaned EventType = "otp.dispatch_orphaned"
	// EventVerify reports the final outcome of VerifyOTP.
	EventVerify EventType = "otp.verify"
)

// Event is a structured observation emitted by the Service.
type Event struct {
	Type    EventType
	Mobile  string
	Outcome domain.OutcomeKind
	// Detail carries the rate limit name or the dispatch failure reason code.
	Detail string
	// ProviderStatus is the gateway's raw answer, dispatch events only.
	ProviderStatus string
	Err            error
	Duration       time.Duration
}

// EventSink receives lifecycle events. Implementations must be safe for
// concurrent use and must not block.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// NopEvents discards every event.
type NopEvents struct{}

// Emit implements EventSink.
func (NopEvents) Emit(context.Context, Event) {}

var _ EventSink = NopEvents{}
