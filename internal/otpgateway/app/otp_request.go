package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otp"
)

// errDiscard rolls back an issuance unit that produced a final outcome
// without a record worth keeping.
var errDiscard = errors.New("discard issuance")

// RequestOTP enforces the daily and interval limits for mobile, generates a
// code, and dispatches it through the Notifier using templateID. The record
// is committed only if the gateway accepted the message.
func (s *Service) RequestOTP(ctx context.Context, mobile string, templateID int) Outcome {
	ctx, span := tracer.Start(ctx, "otp.request")
	defer span.End()
	span.SetAttributes(attribute.Int("otp.template_id", templateID))

	// Detached so a caller that goes away mid-dispatch still leaves the unit
	// either committed or rolled back.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.OperationTimeout)
	defer cancel()

	var out Outcome
	err := s.store.Issue(work, mobile, func(ctx context.Context, tx IssueTx) error {
		var err error
		out, err = s.issue(ctx, tx, mobile, templateID)
		return err
	})

	var storeErr error
	switch {
	case err == nil, errors.Is(err, errDiscard):
	default:
		storeErr = err
		if out.Kind == domain.OutcomeSent {
			s.events.Emit(ctx, Event{
				Type:           EventDispatchOrphaned,
				Mobile:         mobile,
				Outcome:        domain.OutcomeSent,
				ProviderStatus: out.ProviderReference,
				Err:            err,
			})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		out = s.storeUnavailable(s.messages.RequestFailed)
	}

	span.SetAttributes(attribute.String("otp.outcome", string(out.Kind)))
	s.events.Emit(ctx, Event{
		Type:    EventIssue,
		Mobile:  mobile,
		Outcome: out.Kind,
		Detail:  out.detail(),
		Err:     storeErr,
	})
	return out
}

// issue runs inside the per-mobile unit of work. A non-nil error other than
// errDiscard is an infrastructure failure.
func (s *Service) issue(ctx context.Context, tx IssueTx, mobile string, templateID int) (Outcome, error) {
	now := s.clock.Now()

	// 1. Daily limit, counted from local midnight.
	issuedToday, err := tx.CountCreatedSince(ctx, domain.StartOfDay(now, s.policy.Location))
	if err != nil {
		return Outcome{}, fmt.Errorf("count today's codes: %w", err)
	}
	if issuedToday >= s.policy.DailyLimit {
		return s.rateLimited(domain.RateLimitDaily), errDiscard
	}

	// 2. Interval since the latest record, whatever its state.
	latest, err := tx.Latest(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return Outcome{}, fmt.Errorf("load latest code: %w", err)
	case now.Sub(latest.CreatedAt) < s.policy.MinInterval:
		return s.rateLimited(domain.RateLimitInterval), errDiscard
	}

	// 3. Generate.
	code, err := otp.GenerateCode(s.policy.CodeLength)
	if err != nil {
		return Outcome{}, err
	}

	// 4. Insert, dispatch, and let the verdict decide commit or rollback.
	rec, err := domain.NewOTPRecord(mobile, code, now, s.policy.TTL)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Insert(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("insert code: %w", err)
	}

	raw, verdict, sendErr := s.dispatch(ctx, mobile, code, templateID)
	switch {
	case sendErr != nil:
		return s.transportFailed(), errDiscard
	case !verdict.Success:
		return s.dispatchFailed(verdict.Reason), errDiscard
	default:
		return s.sent(code, raw), nil
	}
}

// dispatch makes one bounded Notifier call. A panicking Notifier is reported
// as a transport failure.
func (s *Service) dispatch(ctx context.Context, mobile, code string, templateID int) (raw string, verdict otp.Classification, err error) {
	ctx, span := tracer.Start(ctx, "otp.dispatch")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.DispatchTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}

		e := Event{
			Type:           EventDispatch,
			Mobile:         mobile,
			ProviderStatus: raw,
			Err:            err,
			Duration:       time.Since(start),
		}
		switch {
		case err != nil:
			e.Outcome, e.Detail = domain.OutcomeDispatchFailed, domain.ReasonTransportError
			span.RecordError(err)
			span.SetStatus(codes.Error, "transport error")
		case !verdict.Success:
			e.Outcome, e.Detail = domain.OutcomeDispatchFailed, verdict.Reason.Code
			span.SetStatus(codes.Error, verdict.Reason.Code)
		default:
			e.Outcome = domain.OutcomeSent
		}
		s.events.Emit(ctx, e)
	}()

	raw, err = s.notifier.Send(ctx, mobile, []string{code}, templateID)
	if err != nil {
		return raw, verdict, err
	}
	return raw, s.classifier.Classify(raw), nil
}
