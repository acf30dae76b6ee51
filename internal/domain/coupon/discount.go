package coupon

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DiscountFor returns the discount c grants on amount, rounded to 2 decimal
// places. It never exceeds amount and is never negative.
func (c *Coupon) DiscountFor(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}

	var d decimal.Decimal
	switch c.Kind {
	case KindPercentage:
		d = amount.Mul(c.Value).Div(hundred)
	case KindFixed:
		d = decimal.Min(c.Value, amount)
	default:
		return decimal.Zero
	}

	if d.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, amount).Round(2)
}
