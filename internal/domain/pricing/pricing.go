// Package pricing derives the payable amount of a cart. Everything here is
// pure: the same inputs always produce the same Quote.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
)

var minorUnitsPerMajor = decimal.NewFromInt(100)

// Quote is the result of pricing a cart.
type Quote struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Final    decimal.Decimal
}

// Price computes the subtotal of items and applies c, if any. Final is
// Subtotal minus Discount, floored at zero. All amounts are rounded to 2
// decimal places.
func Price(items []order.LineItem, c *coupon.Coupon) Quote {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Total())
	}
	subtotal = subtotal.Round(2)

	discount := decimal.Zero
	if c != nil {
		discount = c.DiscountFor(subtotal)
	}

	final := subtotal.Sub(discount)
	if final.IsNegative() {
		final = decimal.Zero
	}

	return Quote{
		Subtotal: subtotal,
		Discount: discount,
		Final:    final.Round(2),
	}
}

// Amounts converts q to the order representation.
func (q Quote) Amounts() order.Amounts {
	return order.Amounts{Subtotal: q.Subtotal, Discount: q.Discount, Total: q.Final}
}

// MinorUnits converts amount to integer minor units (paise for INR).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnitsPerMajor).Round(0).IntPart()
}
