package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestAmountWithFee(t *testing.T) {
	cases := []struct {
		amount int64
		feeBps int64
		want   int64
	}{
		{400, 50, 402},
		{400, 0, 400},
		{1000, 100, 1010},
		{1, 50, 1},
		{0, 50, 0},
		{333, 25, 333},
	}
	for _, tc := range cases {
		got, err := AmountWithFee(dec(tc.amount), tc.feeBps)
		if err != nil {
			t.Fatalf("AmountWithFee(%d, %d): %v", tc.amount, tc.feeBps, err)
		}
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("AmountWithFee(%d, %d) = %s, want %d", tc.amount, tc.feeBps, got, tc.want)
		}
	}
}

func TestAmountWithFeeRejectsBadInput(t *testing.T) {
	if _, err := AmountWithFee(dec(-1), 50); err != ErrNegativeAmount {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	if _, err := AmountWithFee(dec(1), -1); err != ErrInvalidFee {
		t.Fatalf("expected ErrInvalidFee, got %v", err)
	}
	if _, err := AmountWithFee(dec(1), 10001); err != ErrInvalidFee {
		t.Fatalf("expected ErrInvalidFee, got %v", err)
	}
}

// Converting to a gross amount and back must land within one truncation unit
// of the original, and must not be an exact inverse for every input.
func TestFeeConversionsRoundTripWithinOneUnit(t *testing.T) {
	one := decimal.New(1, 0)
	sawInexact := false
	for _, feeBps := range []int64{0, 1, 25, 50, 100, 999, 10000} {
		for _, amount := range []int64{0, 1, 2, 3, 7, 99, 400, 401, 10007, 1234567891} {
			x := dec(amount)
			gross, err := AmountWithFee(x, feeBps)
			if err != nil {
				t.Fatalf("AmountWithFee(%d, %d): %v", amount, feeBps, err)
			}
			back, err := AmountBeforeFee(gross, feeBps)
			if err != nil {
				t.Fatalf("AmountBeforeFee(%s, %d): %v", gross, feeBps, err)
			}
			diff := x.Sub(back).Abs()
			if diff.GreaterThan(one) {
				t.Fatalf("round trip fee=%d amount=%d drifted by %s", feeBps, amount, diff)
			}
			if !back.Equal(x) {
				sawInexact = true
			}
		}
	}
	if !sawInexact {
		t.Fatalf("expected at least one inexact round trip under truncation")
	}
}

func TestFeeOn(t *testing.T) {
	fee, err := FeeOn(dec(400), 50)
	if err != nil {
		t.Fatalf("FeeOn: %v", err)
	}
	if !fee.Equal(dec(2)) {
		t.Fatalf("FeeOn(400, 50) = %s, want 2", fee)
	}
}

func TestProportion(t *testing.T) {
	got, err := Proportion(dec(2), dec(3), dec(10))
	if err != nil {
		t.Fatalf("Proportion: %v", err)
	}
	if !got.Equal(dec(15)) {
		t.Fatalf("Proportion(2,3,10) = %s, want 15", got)
	}

	// Truncates, never rounds up.
	got, err = Proportion(dec(3), dec(2), dec(10))
	if err != nil {
		t.Fatalf("Proportion: %v", err)
	}
	if !got.Equal(dec(6)) {
		t.Fatalf("Proportion(3,2,10) = %s, want 6", got)
	}

	if _, err := Proportion(dec(0), dec(1), dec(1)); err != ErrZeroDivisor {
		t.Fatalf("expected ErrZeroDivisor, got %v", err)
	}
}

func TestPriceDecimal(t *testing.T) {
	p, err := PriceDecimal(25, -1)
	if err != nil {
		t.Fatalf("PriceDecimal: %v", err)
	}
	if !p.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("PriceDecimal(25, -1) = %s, want 2.5", p)
	}

	p, err = PriceDecimal(3, 2)
	if err != nil {
		t.Fatalf("PriceDecimal: %v", err)
	}
	if !p.Equal(dec(300)) {
		t.Fatalf("PriceDecimal(3, 2) = %s, want 300", p)
	}

	if _, err := PriceDecimal(0, 0); err != ErrInvalidPrice {
		t.Fatalf("expected ErrInvalidPrice for zero magnitude, got %v", err)
	}
	if _, err := PriceDecimal(1, 100); err != ErrInvalidPrice {
		t.Fatalf("expected ErrInvalidPrice for huge exponent, got %v", err)
	}
}

func TestCreditedValueTruncates(t *testing.T) {
	price, _ := PriceDecimal(15, -1) // 1.5
	v, err := CreditedValue(dec(3), price)
	if err != nil {
		t.Fatalf("CreditedValue: %v", err)
	}
	if !v.Equal(dec(4)) {
		t.Fatalf("CreditedValue(3, 1.5) = %s, want 4", v)
	}
}

func TestCollateralForCreditRoundsUp(t *testing.T) {
	price, _ := PriceDecimal(15, -1) // 1.5
	c, err := CollateralForCredit(dec(4), price)
	if err != nil {
		t.Fatalf("CollateralForCredit: %v", err)
	}
	if !c.Equal(dec(3)) {
		t.Fatalf("CollateralForCredit(4, 1.5) = %s, want 3", c)
	}

	c, err = CollateralForCredit(dec(5), price)
	if err != nil {
		t.Fatalf("CollateralForCredit: %v", err)
	}
	// 5/1.5 = 3.33..., must cover the full credit.
	if !c.Equal(dec(4)) {
		t.Fatalf("CollateralForCredit(5, 1.5) = %s, want 4", c)
	}
	v, _ := CreditedValue(c, price)
	if v.LessThan(dec(5)) {
		t.Fatalf("sized collateral undercovers: value %s < 5", v)
	}
}

func TestFactorThresholds(t *testing.T) {
	price, _ := PriceDecimal(1, 0)

	// 50% threshold at 1:1 pricing.
	ok, err := FactorAtMost(dec(50), dec(100), price, 5000)
	if err != nil {
		t.Fatalf("FactorAtMost: %v", err)
	}
	if !ok {
		t.Fatalf("0.5 factor should satisfy 50%% threshold")
	}
	ok, err = FactorAtMost(dec(60), dec(100), price, 5000)
	if err != nil {
		t.Fatalf("FactorAtMost: %v", err)
	}
	if ok {
		t.Fatalf("0.6 factor should fail 50%% threshold")
	}

	unhealthy, err := FactorAtLeast(dec(90), dec(100), price, 9000)
	if err != nil {
		t.Fatalf("FactorAtLeast: %v", err)
	}
	if !unhealthy {
		t.Fatalf("0.9 factor should be at the 90%% liquidation threshold")
	}
	unhealthy, err = FactorAtLeast(dec(89), dec(100), price, 9000)
	if err != nil {
		t.Fatalf("FactorAtLeast: %v", err)
	}
	if unhealthy {
		t.Fatalf("0.89 factor should be below the 90%% liquidation threshold")
	}

	unhealthy, err = FactorAtLeast(dec(1), dec(0), price, 9000)
	if err != nil {
		t.Fatalf("FactorAtLeast: %v", err)
	}
	if !unhealthy {
		t.Fatalf("credit with zero collateral must count as unhealthy")
	}
}
