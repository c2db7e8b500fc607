// Package money provides shared monetary arithmetic for the platform.
//
// All amounts are fixed-point decimals with two decimal places. Binary
// floating point is never used for money; comparisons are exact decimal
// comparisons.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// EscrowFeeRate is the platform fee charged on every transaction: 2.5%.
var EscrowFeeRate = decimal.RequireFromString("0.025")

// AmountTolerance is the maximum relative deviation accepted between a
// gateway-reported charge and the stored total: 1%.
var AmountTolerance = decimal.RequireFromString("0.01")

var (
	ErrInvalidAmount  = errors.New("amount must be a positive decimal")
	ErrAmountMismatch = errors.New("reported amount deviates from expected amount")
)

// Parse converts a decimal string (e.g. "10250.00") to a validated positive
// amount rounded to the minor currency unit.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(2), nil
}

// EscrowFee computes the platform fee on a principal amount, rounded
// half-up to two decimal places. The fee is computed once at transaction
// creation and never recomputed.
func EscrowFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(EscrowFeeRate).Round(2)
}

// WithinTolerance reports whether reported is within AmountTolerance of
// expected, relative to expected. Used to validate gateway-reported charge
// amounts; a false result must be treated as an integrity failure.
func WithinTolerance(expected, reported decimal.Decimal) bool {
	if expected.Sign() <= 0 {
		return false
	}
	diff := reported.Sub(expected).Abs()
	return diff.LessThanOrEqual(expected.Mul(AmountTolerance))
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}
