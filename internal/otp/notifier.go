package otp

import "context"

// Notifier delivers one templated message to one recipient through an SMS
// gateway. The returned status is the gateway's raw answer; only a
// Classifier knows how to read it. An error means the gateway could not be
// reached or did not answer (transport failure), not that it refused.
type Notifier interface {
	Send(ctx context.Context, recipient string, vars []string, templateID int) (string, error)
}

// Classifier turns a gateway's raw status into a success/failure verdict.
// Implementations must be pure.
type Classifier interface {
	Classify(rawStatus string) Classification
}

// Reason explains a failed dispatch. Code is a stable machine identifier;
// Message is the human text safe to show to an end user.
type Reason struct {
	Code    string
	Message string
}

// Classification is the verdict for one raw status. Reason is zero on success.
type Classification struct {
	Success bool
	Reason  Reason
}

// Succeeded returns a successful classification.
func Succeeded() Classification {
	return Classification{Success: true}
}

// Failed returns a failed classification with the given reason.
func Failed(code, message string) Classification {
	return Classification{Reason: Reason{Code: code, Message: message}}
}
