package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the currency precision every stored and returned amount carries.
const Places = 2

var (
	Zero    = decimal.Zero
	Hundred = decimal.NewFromInt(100)
)

// Round rounds half away from zero to currency precision. Amounts handled here
// are never negative, so this is round-half-up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

func Min(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	return decimal.Min(first, rest...)
}

// FloorZero clamps negative values to zero.
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return Zero
	}
	return d
}

// Parse reads a decimal string and rejects more than two fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if !d.Equal(d.Truncate(Places)) {
		return decimal.Zero, ErrPrecision
	}
	return d, nil
}

func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Positive reports whether d is strictly greater than zero with valid precision.
func Positive(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(Places))
}

func String(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
