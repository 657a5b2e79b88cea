// Package domain contains the OTP record, outcome taxonomy and shared
// sentinel errors. It has no knowledge of storage or transport.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OTPRecord is the sole persisted entity: one issued code for one mobile.
// Many records may exist per mobile. Used only ever flips false→true.
type OTPRecord struct {
	ID        string
	Mobile    string
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// OTPState is derived from a record at query time; it is never stored.
type OTPState string

const (
	OTPStateActive  OTPState = "active"
	OTPStateUsed    OTPState = "used"
	OTPStateExpired OTPState = "expired"
)

// State evaluates the record against now. A record is expired only once
// now is strictly after ExpiresAt.
func (r OTPRecord) State(now time.Time) OTPState {
	switch {
	case r.Used:
		return OTPStateUsed
	case now.After(r.ExpiresAt):
		return OTPStateExpired
	default:
		return OTPStateActive
	}
}

// NewOTPRecord builds an unused record issued at now.
func NewOTPRecord(mobile, code string, now time.Time, ttl time.Duration) (OTPRecord, error) {
	if ttl <= 0 {
		return OTPRecord{}, fmt.Errorf("ttl must be positive, got %s: %w", ttl, ErrInvalidInput)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return OTPRecord{}, fmt.Errorf("generate record id: %w", err)
	}
	return OTPRecord{
		ID:        id.String(),
		Mobile:    mobile,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// OutcomeKind is the closed taxonomy of results a caller can observe.
type OutcomeKind string

const (
	OutcomeSent             OutcomeKind = "sent"
	OutcomeVerified         OutcomeKind = "verified"
	OutcomeRateLimited      OutcomeKind = "rate_limited"
	OutcomeDispatchFailed   OutcomeKind = "dispatch_failed"
	OutcomeInvalid          OutcomeKind = "invalid"
	OutcomeAlreadyUsed      OutcomeKind = "already_used"
	OutcomeExpired          OutcomeKind = "expired"
	OutcomeStoreUnavailable OutcomeKind = "store_unavailable"
)

// RateLimit names which issuance limit rejected a request.
type RateLimit string

const (
	RateLimitDaily    RateLimit = "daily"
	RateLimitInterval RateLimit = "interval"
)

// ReasonTransportError is the dispatch failure reason used when the
// Notifier could not be reached or did not answer in time.
const ReasonTransportError = "transport_error"
