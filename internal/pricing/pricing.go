// Package pricing holds the pure numeric rules shared by the ledger and the
// credit engine: fee-inclusive/exclusive conversions, proportional
// allocation, and oracle-price valuation. All functions are stateless and
// truncate toward zero, matching ledger bookkeeping which never rounds in
// the account holder's favor.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxFeeBps caps the global withdrawal fee. 10000 bps == 100%.
const MaxFeeBps = 10000

var bpsDenominator = decimal.NewFromInt(10000)

var (
	ErrNegativeAmount = fmt.Errorf("amount must not be negative")
	ErrInvalidFee     = fmt.Errorf("fee basis points out of range")
	ErrZeroDivisor    = fmt.Errorf("division by zero")
)

// AmountWithFee converts a fee-exclusive amount into the gross amount that
// must be set aside so that amount remains claimable after the fee is taken.
// Truncates toward zero. Not an exact inverse of AmountBeforeFee; the pair
// may disagree by one truncation unit and callers rely on gross >= net.
func AmountWithFee(amount decimal.Decimal, feeBps int64) (decimal.Decimal, error) {
	if err := validate(amount, feeBps); err != nil {
		return decimal.Zero, err
	}
	q, _ := amount.Mul(decimal.NewFromInt(10000 + feeBps)).QuoRem(bpsDenominator, 0)
	return q, nil
}

// AmountBeforeFee converts a gross amount into the fee-exclusive amount a
// claimant receives. Truncates toward zero.
func AmountBeforeFee(amountWithFee decimal.Decimal, feeBps int64) (decimal.Decimal, error) {
	if err := validate(amountWithFee, feeBps); err != nil {
		return decimal.Zero, err
	}
	q, _ := amountWithFee.Mul(bpsDenominator).QuoRem(decimal.NewFromInt(10000+feeBps), 0)
	return q, nil
}

// FeeOn returns the fee due on a fee-exclusive amount at the given rate,
// defined as the gross/net difference so fee accounting always reconciles
// with AmountWithFee.
func FeeOn(amount decimal.Decimal, feeBps int64) (decimal.Decimal, error) {
	gross, err := AmountWithFee(amount, feeBps)
	if err != nil {
		return decimal.Zero, err
	}
	return gross.Sub(amount), nil
}

// Proportion solves a:b :: c:x for x, multiplying before dividing so no
// precision is lost ahead of the final truncation.
func Proportion(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if a.IsZero() {
		return decimal.Zero, ErrZeroDivisor
	}
	if a.IsNegative() || b.IsNegative() || c.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	q, _ := b.Mul(c).QuoRem(a, 0)
	return q, nil
}

func validate(amount decimal.Decimal, feeBps int64) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if feeBps < 0 || feeBps > MaxFeeBps {
		return ErrInvalidFee
	}
	return nil
}
