// Package format converts integer-encoded quantities and rates to
// conventional-unit values and display strings.
//
// All functions are pure. Math is done with decimal.Decimal so that display
// values never accumulate floating-point error, and the precision of a
// formatted string follows from the asset's conversion factor (a factor of
// 1e8 yields up to eight fractional digits).
package format

import (
	"errors"

	"github.com/shopspring/decimal"

	"marketview/internal/model"
)

// Parse errors.
var (
	// ErrNotANumber is returned when user input is not a valid decimal.
	ErrNotANumber = errors.New("not a valid number")

	// ErrNotPositive is returned when user input parses but is zero or
	// negative.
	ErrNotPositive = errors.New("value must be positive")
)

// Conventional converts an atomic quantity to conventional units.
func Conventional(atoms uint64, unit model.UnitInfo) decimal.Decimal {
	return decimal.NewFromUint64(atoms).Div(decimal.NewFromUint64(unit.ConversionFactor))
}

// Atoms converts a conventional quantity to atomic units, truncating any
// fraction of an atom.
func Atoms(conventional decimal.Decimal, unit model.UnitInfo) uint64 {
	atoms := conventional.Mul(decimal.NewFromUint64(unit.ConversionFactor)).Floor()
	if atoms.Sign() <= 0 {
		return 0
	}
	return atoms.BigInt().Uint64()
}

// FormatQty renders an atomic quantity as a conventional-unit string with
// trailing zeros trimmed and at most as many fractional digits as the unit's
// conversion factor provides.
func FormatQty(atoms uint64, unit model.UnitInfo) string {
	return Conventional(atoms, unit).String()
}

// ConventionalRate converts a message-encoded rate to the conventional
// quote-per-base price. The encoding is quote atoms per base atom scaled by
// RateEncodingFactor, so the conventional price re-scales by the ratio of the
// two conversion factors.
func ConventionalRate(msgRate uint64, base, quote model.UnitInfo) decimal.Decimal {
	return decimal.NewFromUint64(msgRate).
		Mul(decimal.NewFromUint64(base.ConversionFactor)).
		Div(decimal.NewFromUint64(model.RateEncodingFactor)).
		Div(decimal.NewFromUint64(quote.ConversionFactor))
}

// MsgRate converts a conventional quote-per-base price to its message
// encoding, truncating below the encoding's resolution.
func MsgRate(conventional decimal.Decimal, base, quote model.UnitInfo) uint64 {
	r := conventional.
		Mul(decimal.NewFromUint64(model.RateEncodingFactor)).
		Mul(decimal.NewFromUint64(quote.ConversionFactor)).
		Div(decimal.NewFromUint64(base.ConversionFactor)).
		Floor()
	if r.Sign() <= 0 {
		return 0
	}
	return r.BigInt().Uint64()
}

// FormatRate renders a message-encoded rate as a conventional price string.
func FormatRate(msgRate uint64, base, quote model.UnitInfo) string {
	return ConventionalRate(msgRate, base, quote).String()
}

// QuoteTotal computes the quote-asset cost of qty atoms at msgRate, in quote
// atoms: qty × rate / rateEncodingFactor, truncated.
func QuoteTotal(qtyAtomic, msgRate uint64) uint64 {
	total := decimal.NewFromUint64(qtyAtomic).
		Mul(decimal.NewFromUint64(msgRate)).
		Div(decimal.NewFromUint64(model.RateEncodingFactor)).
		Floor()
	return total.BigInt().Uint64()
}

// ParsePositive parses user input as a positive decimal, rejecting malformed
// and non-positive values with the package's sentinel errors.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrNotANumber
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}
