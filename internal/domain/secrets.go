package domain

import "log/slog"

// SecretString wraps sensitive string values.
// Implements slog.LogValuer and fmt.Stringer so gateway credentials never
// reach logs or formatted output.
type SecretString string

// String returns a redacted placeholder, never the actual value.
func (s SecretString) String() string {
	return "[REDACTED]"
}

// LogValue implements slog.LogValuer to ensure secrets are never logged in plaintext.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the actual secret value.
// Use sparingly - only when the secret must be sent to the SMS gateway.
func (s SecretString) Expose() string {
	return string(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool {
	return len(s) == 0
}

// Ensure the interface is implemented at compile time.
var _ slog.LogValuer = SecretString("")
