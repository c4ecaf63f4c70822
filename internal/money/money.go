// Package money provides fixed-point amount parsing and currency helpers.
//
// All monetary values in the settlement core are decimal.Decimal. Floats
// never touch an amount at any point between webhook ingestion and payout.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency code")
)

// MaxFractionDigits is the precision carried by fiat amounts (pesewas,
// kobo, cents). Gateway payloads with more digits are rejected rather
// than silently rounded.
const MaxFractionDigits = 2

// Parse converts a string amount into a decimal, requiring a positive
// value with at most MaxFractionDigits fraction digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return Validate(d)
}

// Validate checks that d is a well-formed positive amount.
func Validate(d decimal.Decimal) (decimal.Decimal, error) {
	if d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Exponent() < -MaxFractionDigits {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Currency normalizes a currency code (GHS, NGN, USD, ...).
func Currency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return code, nil
}

// Round rounds half-up to MaxFractionDigits. Used when applying
// conversion rates and split ratios so payouts stay representable.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MaxFractionDigits)
}
