// Package money pins every monetary amount in the system to a fixed
// number of fractional digits per currency. Amounts are rounded whenever
// they cross a component boundary so floating drift can never accumulate
// across repeated settlements or distribution runs.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Supported currency codes.
const (
	KRW  = "KRW"  // display/fiat unit
	KAUS = "KAUS" // internal token
)

// Fractional digits per currency. The token carries more precision than
// the fiat unit so conversions into it never lose value to rounding.
const (
	KRWPlaces  = 2
	KAUSPlaces = 8
)

// Places returns the fractional digits for a currency code, or -1 when
// the currency is not supported.
func Places(currency string) int32 {
	switch currency {
	case KRW:
		return KRWPlaces
	case KAUS:
		return KAUSPlaces
	default:
		return -1
	}
}

// Supported reports whether the currency code is one the ledger accounts in.
func Supported(currency string) bool {
	return Places(currency) >= 0
}

// Round rounds half-up to the currency's fixed precision. Idempotent:
// Round(Round(x)) == Round(x).
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	places := Places(currency)
	if places < 0 {
		// Unknown currencies keep token precision rather than silently
		// truncating; callers validate currency codes before money moves.
		places = KAUSPlaces
	}
	return amount.Round(places)
}

// Parse parses a decimal amount from its string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// Format renders an amount at the currency's fixed precision.
func Format(amount decimal.Decimal, currency string) string {
	places := Places(currency)
	if places < 0 {
		places = KAUSPlaces
	}
	return amount.StringFixed(places)
}

// Convert applies rate to amount when moving between the two units and
// rounds at the destination currency's precision. rate is expressed as
// KRW per KAUS.
func Convert(amount, rate decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("non-positive rate %s", rate)
	}

	switch {
	case from == KRW && to == KAUS:
		return Round(amount.Div(rate), KAUS), nil
	case from == KAUS && to == KRW:
		return Round(amount.Mul(rate), KRW), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported conversion %s->%s", from, to)
	}
}
