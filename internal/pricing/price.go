package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Oracle prices arrive as a (magnitude, decimal exponent) pair. The exponent
// is bounded so a corrupt feed cannot force pathological scales into the
// bookkeeping.
const maxPriceExponent = 64

var ErrInvalidPrice = fmt.Errorf("invalid oracle price")

// PriceDecimal converts an oracle (magnitude, exponent) pair into an exact
// decimal value: magnitude * 10^exponent.
func PriceDecimal(magnitude int64, exponent int32) (decimal.Decimal, error) {
	if magnitude <= 0 {
		return decimal.Zero, ErrInvalidPrice
	}
	if exponent > maxPriceExponent || exponent < -maxPriceExponent {
		return decimal.Zero, ErrInvalidPrice
	}
	return decimal.New(magnitude, exponent), nil
}

// CreditedValue prices an amount of collateral in credited-asset units,
// truncating toward zero. The multiply happens on the exact decimal
// representation, so no precision is lost before the final truncation.
func CreditedValue(collateralAmount, price decimal.Decimal) (decimal.Decimal, error) {
	if collateralAmount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if price.Sign() <= 0 {
		return decimal.Zero, ErrInvalidPrice
	}
	q, _ := collateralAmount.Mul(price).QuoRem(decimal.New(1, 0), 0)
	return q, nil
}

// CollateralForCredit returns the smallest collateral amount whose credited
// value at the given price is at least creditedAmount. Rounds up, so the
// sized slice always covers the credit it has to settle.
func CollateralForCredit(creditedAmount, price decimal.Decimal) (decimal.Decimal, error) {
	if creditedAmount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if price.Sign() <= 0 {
		return decimal.Zero, ErrInvalidPrice
	}
	q, r := creditedAmount.QuoRem(price, 0)
	if !r.IsZero() {
		q = q.Add(decimal.New(1, 0))
	}
	return q, nil
}

// FactorAtMost reports whether credited/value(collateral) <= threshold,
// compared cross-multiplied: credited * 10000 <= collateral * price * bps.
// Avoids the truncating division entirely.
func FactorAtMost(creditedAmount, collateralAmount, price decimal.Decimal, thresholdBps int64) (bool, error) {
	if creditedAmount.IsNegative() || collateralAmount.IsNegative() {
		return false, ErrNegativeAmount
	}
	if price.Sign() <= 0 {
		return false, ErrInvalidPrice
	}
	if thresholdBps < 0 || thresholdBps > MaxFeeBps {
		return false, ErrInvalidFee
	}
	lhs := creditedAmount.Mul(bpsDenominator)
	rhs := collateralAmount.Mul(price).Mul(decimal.NewFromInt(thresholdBps))
	return lhs.LessThanOrEqual(rhs), nil
}

// FactorAtLeast reports whether credited/value(collateral) >= threshold.
// Zero collateral value with outstanding credit counts as at-or-above any
// threshold.
func FactorAtLeast(creditedAmount, collateralAmount, price decimal.Decimal, thresholdBps int64) (bool, error) {
	if creditedAmount.IsNegative() || collateralAmount.IsNegative() {
		return false, ErrNegativeAmount
	}
	if price.Sign() <= 0 {
		return false, ErrInvalidPrice
	}
	if thresholdBps < 0 || thresholdBps > MaxFeeBps {
		return false, ErrInvalidFee
	}
	if collateralAmount.IsZero() {
		return creditedAmount.Sign() > 0, nil
	}
	lhs := creditedAmount.Mul(bpsDenominator)
	rhs := collateralAmount.Mul(price).Mul(decimal.NewFromInt(thresholdBps))
	return lhs.GreaterThanOrEqual(rhs), nil
}
