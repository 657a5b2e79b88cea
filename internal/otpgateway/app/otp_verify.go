package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/otp-gateway/internal/domain"
)

// VerifyOTP checks code against the newest record issued to mobile with
// that exact code and consumes it on success. A code issued to a different
// mobile is indistinguishable from one never issued.
func (s *Service) VerifyOTP(ctx context.Context, mobile, code string) Outcome {
	ctx, span := tracer.Start(ctx, "otp.verify")
	defer span.End()

	out, err := s.verify(ctx, mobile, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		out = s.storeUnavailable(s.messages.VerifyFailed)
	}

	span.SetAttributes(attribute.String("otp.outcome", string(out.Kind)))
	s.events.Emit(ctx, Event{
		Type:    EventVerify,
		Mobile:  mobile,
		Outcome: out.Kind,
		Err:     err,
	})
	return out
}

func (s *Service) verify(ctx context.Context, mobile, code string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.OperationTimeout)
	defer cancel()

	rec, err := s.store.FindLatestByCode(ctx, mobile, code)
	if errors.Is(err, domain.ErrNotFound) {
		return s.verifyOutcome(domain.OutcomeInvalid), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("find code: %w", err)
	}

	switch rec.State(s.clock.Now()) {
	case domain.OTPStateUsed:
		return s.verifyOutcome(domain.OutcomeAlreadyUsed), nil
	case domain.OTPStateExpired:
		return s.verifyOutcome(domain.OutcomeExpired), nil
	}

	marked, err := s.store.MarkUsed(ctx, mobile, rec.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.verifyOutcome(domain.OutcomeInvalid), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("mark code used: %w", err)
	}
	if !marked {
		return s.verifyOutcome(domain.OutcomeAlreadyUsed), nil
	}
	return s.verifyOutcome(domain.OutcomeVerified), nil
}
