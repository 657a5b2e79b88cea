package app

import (
	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otp"
)

// Outcome is what RequestOTP and VerifyOTP report to the caller. Message is
// always set and never contains internal error text.
type Outcome struct {
	Kind domain.OutcomeKind
	// Limit is set for OutcomeRateLimited.
	Limit domain.RateLimit
	// Reason is set for OutcomeDispatchFailed.
	Reason otp.Reason
	// Code and ProviderReference are set for OutcomeSent.
	Code              string
	ProviderReference string
	Message           string
}

// Success reports whether the outcome is Sent or Verified.
func (o Outcome) Success() bool {
	return o.Kind == domain.OutcomeSent || o.Kind == domain.OutcomeVerified
}

// Messages is the user-facing message catalog.
type Messages struct {
	Sent          string
	DailyLimit    string
	IntervalLimit string
	// DispatchFailedPrefix is followed by the classified reason message.
	DispatchFailedPrefix string
	TransportError       string
	RequestFailed        string
	Invalid              string
	AlreadyUsed          string
	Expired              string
	Verified             string
	VerifyFailed         string
}

var persianMessages = Messages{
	Sent:                 "کد تایید ارسال شد",
	DailyLimit:           "بیش از حد مجاز درخواست داده‌اید",
	IntervalLimit:        "لطفا کمی صبر کنید",
	DispatchFailedPrefix: "خطا در ارسال پیامک: ",
	TransportError:       "خطا در ارتباط با سرویس پیامک",
	RequestFailed:        "خطا در ارسال کد تایید",
	Invalid:              "کد تایید نامعتبر است",
	AlreadyUsed:          "کد تایید قبلاً استفاده شده است",
	Expired:              "کد تایید منقضی شده است",
	Verified:             "کد تایید صحیح است",
	VerifyFailed:         "خطا در بررسی کد تایید",
}

var englishMessages = Messages{
	Sent:                 "verification code sent",
	DailyLimit:           "too many requests today",
	IntervalLimit:        "please wait before requesting another code",
	DispatchFailedPrefix: "sms delivery failed: ",
	TransportError:       "sms gateway unreachable",
	RequestFailed:        "could not send verification code",
	Invalid:              "invalid verification code",
	AlreadyUsed:          "verification code already used",
	Expired:              "verification code expired",
	Verified:             "verification code accepted",
	VerifyFailed:         "could not check verification code",
}

// MessagesFor returns the built-in catalog for locale.
func MessagesFor(locale domain.Locale) Messages {
	if locale == domain.LocaleEN {
		return englishMessages
	}
	return persianMessages
}

func (s *Service) sent(code, providerRef string) Outcome {
	return Outcome{
		Kind:              domain.OutcomeSent,
		Code:              code,
		ProviderReference: providerRef,
		Message:           s.messages.Sent,
	}
}

func (s *Service) rateLimited(limit domain.RateLimit) Outcome {
	msg := s.messages.DailyLimit
	if limit == domain.RateLimitInterval {
		msg = s.messages.IntervalLimit
	}
	return Outcome{Kind: domain.OutcomeRateLimited, Limit: limit, Message: msg}
}

func (s *Service) dispatchFailed(reason otp.Reason) Outcome {
	return Outcome{
		Kind:    domain.OutcomeDispatchFailed,
		Reason:  reason,
		Message: s.messages.DispatchFailedPrefix + reason.Message,
	}
}

func (s *Service) transportFailed() Outcome {
	return s.dispatchFailed(otp.Reason{Code: domain.ReasonTransportError, Message: s.messages.TransportError})
}

func (s *Service) storeUnavailable(msg string) Outcome {
	return Outcome{Kind: domain.OutcomeStoreUnavailable, Message: msg}
}

func (s *Service) verifyOutcome(kind domain.OutcomeKind) Outcome {
	var msg string
	switch kind {
	case domain.OutcomeVerified:
		msg = s.messages.Verified
	case domain.OutcomeAlreadyUsed:
		msg = s.messages.AlreadyUsed
	case domain.OutcomeExpired:
		msg = s.messages.Expired
	default:
		msg = s.messages.Invalid
	}
	return Outcome{Kind: kind, Message: msg}
}

// detail is the Event.Detail for an outcome.
func (o Outcome) detail() string {
	switch o.Kind {
	case domain.OutcomeRateLimited:
		return string(o.Limit)
	case domain.OutcomeDispatchFailed:
		return o.Reason.Code
	default:
		return ""
	}
}
