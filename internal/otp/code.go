// Package otp holds the provider-independent pieces of OTP issuance: code
// generation and the Notifier and Classifier contracts that SMS gateways
// implement.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/aelexs/otp-gateway/internal/domain"
)

// GenerateCode returns a random decimal code of exactly length digits,
// drawn uniformly from [10^(length-1), 10^length - 1]. The leading digit is
// never zero. Uses crypto/rand with rejection sampling (via big.Int) to
// avoid modulo bias.
func GenerateCode(length int) (string, error) {
	if length < domain.MinOTPLength || length > domain.MaxOTPLength {
		return "", fmt.Errorf("code length %d outside [%d, %d]: %w",
			length, domain.MinOTPLength, domain.MaxOTPLength, domain.ErrInvalidInput)
	}
	low := pow10(length - 1)
	span := new(big.Int).Sub(pow10(length), low)

	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return n.Add(n, low).String(), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
