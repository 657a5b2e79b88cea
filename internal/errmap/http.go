// Package errmap maps domain errors and OTP outcomes to HTTP status codes
// and stable machine codes. Error text never reaches the client.
package errmap

import (
	"errors"
	"net/http"

	"github.com/aelexs/otp-gateway/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
	message    string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Validation errors: 400
	{domain.ErrInvalidMobile, http.StatusBadRequest, "INVALID_MOBILE", "invalid mobile number"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request"},

	// Resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "not found"},

	// Availability
	{domain.ErrLockTimeout, http.StatusServiceUnavailable, "UNAVAILABLE", "service unavailable"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE", "service unavailable"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: m.message}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

// OutcomeStatus is the HTTP rendering of an OTP outcome.
type OutcomeStatus struct {
	StatusCode int
	Code       string
}

var outcomeStatuses = map[domain.OutcomeKind]OutcomeStatus{
	domain.OutcomeSent:             {http.StatusOK, "OTP_SENT"},
	domain.OutcomeVerified:         {http.StatusOK, "OTP_VERIFIED"},
	domain.OutcomeRateLimited:      {http.StatusTooManyRequests, "RATE_LIMITED"},
	domain.OutcomeDispatchFailed:   {http.StatusBadGateway, "DISPATCH_FAILED"},
	domain.OutcomeInvalid:          {http.StatusUnauthorized, "INVALID_OTP"},
	domain.OutcomeExpired:          {http.StatusUnauthorized, "OTP_EXPIRED"},
	domain.OutcomeAlreadyUsed:      {http.StatusUnauthorized, "OTP_ALREADY_USED"},
	domain.OutcomeStoreUnavailable: {http.StatusServiceUnavailable, "UNAVAILABLE"},
}

var rateLimitCodes = map[domain.RateLimit]string{
	domain.RateLimitDaily:    "DAILY_LIMIT",
	domain.RateLimitInterval: "INTERVAL_LIMIT",
}

// ToOutcomeStatus maps an outcome kind, and for rate limits the limit that
// was hit, to its HTTP status and machine code. Unknown kinds map to 500.
func ToOutcomeStatus(kind domain.OutcomeKind, limit domain.RateLimit) OutcomeStatus {
	s, ok := outcomeStatuses[kind]
	if !ok {
		return OutcomeStatus{StatusCode: http.StatusInternalServerError, Code: "INTERNAL"}
	}
	if kind == domain.OutcomeRateLimited {
		if code, ok := rateLimitCodes[limit]; ok {
			s.Code = code
		}
	}
	return s
}
