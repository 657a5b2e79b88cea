package domain

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizeMobile parses raw as a mobile number and returns the canonical
// form used as the store key and the SMS recipient. Numbers belonging to
// defaultRegion are returned as national digits with the trunk prefix
// ("09121234567" for IR); numbers from any other region are returned in
// E.164 so keys never collide across countries.
func NormalizeMobile(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("mobile cannot be empty: %w", ErrInvalidMobile)
	}
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '+', r == ' ', r == '-', r == '(', r == ')':
		default:
			return "", fmt.Errorf("mobile contains %q: %w", r, ErrInvalidMobile)
		}
	}

	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("parse mobile: %w", ErrInvalidMobile)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("mobile is not a valid number: %w", ErrInvalidMobile)
	}
	switch phonenumbers.GetNumberType(num) {
	case phonenumbers.MOBILE, phonenumbers.FIXED_LINE_OR_MOBILE:
	default:
		return "", fmt.Errorf("number cannot receive SMS: %w", ErrInvalidMobile)
	}

	if phonenumbers.GetRegionCodeForNumber(num) != defaultRegion {
		return phonenumbers.Format(num, phonenumbers.E164), nil
	}
	return digitsOnly(phonenumbers.Format(num, phonenumbers.NATIONAL)), nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MaskMobile hides the middle digits of a mobile for logging.
// "09121234567" → "0912****567".
func MaskMobile(mobile string) string {
	if len(mobile) <= 7 {
		return "****"
	}
	return mobile[:4] + "****" + mobile[len(mobile)-3:]
}
