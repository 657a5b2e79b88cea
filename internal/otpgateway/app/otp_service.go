package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otp"
)

var tracer = otel.Tracer("otpgateway/app")

// OTPStore persists OTP records. It is the only shared mutable resource:
// the service keeps no record state between calls.
type OTPStore interface {
	// Issue runs fn as one unit of work for mobile. Units for the same
	// mobile are serialized across every process sharing the store. Records
	// inserted through tx stay invisible to other readers until fn returns
	// nil and the unit commits; any error from fn rolls back and is returned
	// unchanged.
	Issue(ctx context.Context, mobile string, fn func(ctx context.Context, tx IssueTx) error) error

	// FindLatestByCode returns the newest record for the exact (mobile, code)
	// pair, or domain.ErrNotFound.
	FindLatestByCode(ctx context.Context, mobile, code string) (*domain.OTPRecord, error)

	// MarkUsed flips used from false to true in one atomic step. It returns
	// false when the record was already used, so exactly one of any number
	// of concurrent callers sees true.
	MarkUsed(ctx context.Context, mobile, id string) (bool, error)
}

// IssueTx is the view of the store available inside Issue.
type IssueTx interface {
	// CountCreatedSince counts committed records for the unit's mobile
	// created at or after since.
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)
	// Latest returns the newest committed record regardless of state, or
	// domain.ErrNotFound.
	Latest(ctx context.Context) (*domain.OTPRecord, error)
	// Insert adds rec to the unit of work.
	Insert(ctx context.Context, rec domain.OTPRecord) error
}

// Policy holds the issuance rules.
type Policy struct {
	TTL         time.Duration
	DailyLimit  int
	MinInterval time.Duration
	CodeLength  int
	// DispatchTimeout bounds one Notifier round-trip.
	DispatchTimeout time.Duration
	// OperationTimeout bounds a whole RequestOTP unit of work, including
	// waiting for the per-mobile serialization.
	OperationTimeout time.Duration
	// Location decides where a calendar day starts for the daily limit.
	Location *time.Location
}

// DefaultPolicy returns the compiled defaults.
func DefaultPolicy() Policy {
	return Policy{
		TTL:              domain.DefaultOTPTTL,
		DailyLimit:       domain.DefaultDailyLimit,
		MinInterval:      domain.DefaultMinInterval,
		CodeLength:       domain.DefaultOTPLength,
		DispatchTimeout:  domain.DefaultDispatchTimeout,
		OperationTimeout: domain.DefaultOperationTimeout,
		Location:         time.Local,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.TTL <= 0 {
		p.TTL = d.TTL
	}
	if p.DailyLimit <= 0 {
		p.DailyLimit = d.DailyLimit
	}
	if p.MinInterval <= 0 {
		p.MinInterval = d.MinInterval
	}
	if p.CodeLength <= 0 {
		p.CodeLength = d.CodeLength
	}
	if p.DispatchTimeout <= 0 {
		p.DispatchTimeout = d.DispatchTimeout
	}
	if p.OperationTimeout <= 0 {
		p.OperationTimeout = d.OperationTimeout
	}
	if p.Location == nil {
		p.Location = d.Location
	}
	return p
}

// ServiceConfig holds the dependencies for Service.
type ServiceConfig struct {
	Store      OTPStore
	Notifier   otp.Notifier
	Classifier otp.Classifier
	Clock      domain.Clock
	Events     EventSink
	Policy     Policy
	Messages   Messages
}

// Service issues and verifies OTPs. Every method reports its result as an
// Outcome; infrastructure failures never escape as errors or panics.
type Service struct {
	store      OTPStore
	notifier   otp.Notifier
	classifier otp.Classifier
	clock      domain.Clock
	events     EventSink
	policy     Policy
	messages   Messages
}

// NewService creates a Service. Zero Policy fields take their defaults, a
// zero Messages uses the Persian catalog, and nil Clock/Events fall back to
// the real clock and a no-op sink.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		classifier: cfg.Classifier,
		clock:      cfg.Clock,
		events:     cfg.Events,
		policy:     cfg.Policy.withDefaults(),
		messages:   cfg.Messages,
	}
	if s.clock == nil {
		s.clock = domain.RealClock{}
	}
	if s.events == nil {
		s.events = NopEvents{}
	}
	if s.messages == (Messages{}) {
		s.messages = MessagesFor(domain.LocaleFA)
	}
	return s
}

// Policy returns the effective policy after defaults were applied.
func (s *Service) Policy() Policy {
	return s.policy
}
