package domain

import (
	"fmt"
	"strings"
)

// Locale selects the language of user-facing messages.
type Locale string

const (
	LocaleFA Locale = "fa"
	LocaleEN Locale = "en"
)

// ParseLocale accepts "fa" or "en" in any case. Empty means LocaleFA.
func ParseLocale(s string) (Locale, error) {
	switch Locale(strings.ToLower(strings.TrimSpace(s))) {
	case "", LocaleFA:
		return LocaleFA, nil
	case LocaleEN:
		return LocaleEN, nil
	default:
		return "", fmt.Errorf("unsupported locale %q: %w", s, ErrInvalidInput)
	}
}
