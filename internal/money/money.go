// Package money represents monetary amounts as integer micro-USD.
//
// Cost estimates in this engine are rounded to six decimal places, which is
// exactly micro-USD resolution, so every amount the engine handles is
// representable without loss. Integer amounts also make counter updates a
// single atomic add rather than a float accumulation.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Micro is a monetary amount in millionths of a dollar.
type Micro int64

// PerUnit is the number of Micro in one dollar.
const PerUnit Micro = 1_000_000

// FromDecimal converts a decimal dollar amount, rounding half-up to six
// decimal places.
func FromDecimal(d decimal.Decimal) Micro {
	return Micro(d.Round(6).Shift(6).IntPart())
}

// FromFloat converts a float dollar amount, rounding to six decimal places.
func FromFloat(f float64) Micro {
	return FromDecimal(decimal.NewFromFloat(f))
}

// Parse reads a decimal dollar string such as "12.50".
func Parse(s string) (Micro, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// Decimal returns the amount as a decimal dollar value.
func (m Micro) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// Float returns the amount as a float dollar value. Use only at display or
// serialization boundaries.
func (m Micro) Float() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// String formats the amount as a dollar value with up to six decimals.
func (m Micro) String() string {
	return m.Decimal().String()
}
