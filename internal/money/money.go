// Package money holds the fixed-point rules for USD balances and crypto
// quantities. Every value carries at most Scale fractional digits and
// products are truncated back to Scale, never rounded up.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for money and quantities
const Scale = 8

// Limit is the exclusive upper bound of a stored value: NUMERIC(20, 8)
// leaves 12 integer digits
var Limit = decimal.New(1, 20-Scale)

var (
	// FeeBuffer covers the worst-case taker fee when reserving buy funds
	FeeBuffer = decimal.RequireFromString("1.01")
	// MakerFeeRate is charged to the resting order's owner
	MakerFeeRate = decimal.RequireFromString("0.005")
	// TakerFeeRate is charged to the owner of the order that triggered the match
	TakerFeeRate = decimal.RequireFromString("0.01")
)

var (
	ErrNotPositive   = errors.New("must be greater than zero")
	ErrTooManyDigits = fmt.Errorf("must have at most %d decimal places", Scale)
	ErrTooLarge      = fmt.Errorf("must be less than %s", Limit)
)

// Mul returns a×b truncated to Scale digits
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Volume is the USD value of amount units at price
func Volume(price, amount decimal.Decimal) decimal.Decimal {
	return Mul(price, amount)
}

// BuyReservation is the balance held against an open buy order:
// price×amount×FeeBuffer. The same figure is refunded on cancel and
// used as the starting point of buyer settlement.
func BuyReservation(price, amount decimal.Decimal) decimal.Decimal {
	return Mul(Volume(price, amount), FeeBuffer)
}

// Fees returns the maker and taker fees due on a trade of the given volume
func Fees(volume decimal.Decimal) (maker, taker decimal.Decimal) {
	return Mul(volume, MakerFeeRate), Mul(volume, TakerFeeRate)
}

// Check verifies d is positive, representable with Scale digits and
// small enough for a NUMERIC(20, 8) column
func Check(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNotPositive
	}
	if !d.Equal(d.Truncate(Scale)) {
		return ErrTooManyDigits
	}
	if d.GreaterThanOrEqual(Limit) {
		return ErrTooLarge
	}
	return nil
}

// String formats d with exactly Scale fractional digits, as stored
func String(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
