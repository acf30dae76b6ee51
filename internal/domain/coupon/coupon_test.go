package coupon

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestNew(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	valid := Params{
		Code:      " save10 ",
		Kind:      KindPercentage,
		Value:     d("10"),
		ExpiresAt: now.Add(24 * time.Hour),
		Limit:     MaxUses(5),
		Active:    true,
	}

	t.Run("normalizes code", func(t *testing.T) {
		c, err := New(valid, now)
		require.NoError(t, err)
		assert.Equal(t, "SAVE10", c.Code)
		assert.Equal(t, 0, c.UsedCount)
		assert.Equal(t, now, c.CreatedAt)
	})

	tests := []struct {
		name   string
		mutate func(p *Params)
		want   string
	}{
		{"empty code", func(p *Params) { p.Code = "  " }, "coupon code is required"},
		{"unknown kind", func(p *Params) { p.Kind = "bogo" }, "unsupported discount type"},
		{"zero value", func(p *Params) { p.Value = decimal.Zero }, "discount value must be positive"},
		{"percentage over 100", func(p *Params) { p.Value = d("100.01") }, "cannot exceed 100"},
		{"negative minimum", func(p *Params) { p.MinPurchase = d("-1") }, "cannot be negative"},
		{"missing expiry", func(p *Params) { p.ExpiresAt = time.Time{} }, "expiry date is required"},
		{"zero quota", func(p *Params) { p.Limit = MaxUses(0) }, "at least 1"},
		{"quota beyond int32", func(p *Params) { p.Limit = MaxUses(1<<32 + 1) }, "cannot exceed 2147483647"},
		{"value with 3 dp", func(p *Params) { p.Value = d("10.005") }, "more than 2 decimal places"},
		{"minimum with 3 dp", func(p *Params) { p.MinPurchase = d("499.999") }, "more than 2 decimal places"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			_, err := New(p, now)
			require.Error(t, err)
			assert.Equal(t, apperr.Validation, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("trailing zeros and int32 quota are allowed", func(t *testing.T) {
		p := valid
		p.Value = d("12.500")
		p.Limit = MaxUses(math.MaxInt32)
		_, err := New(p, now)
		require.NoError(t, err)
	})

	t.Run("fixed value above 100 is allowed", func(t *testing.T) {
		p := valid
		p.Kind = KindFixed
		p.Value = d("150")
		_, err := New(p, now)
		require.NoError(t, err)
	})
}

func TestLimit(t *testing.T) {
	u := Unlimited()
	_, bounded := u.Max()
	assert.False(t, bounded)
	assert.True(t, u.Allows(1_000_000))
	assert.Equal(t, "unlimited", u.String())

	l := MaxUses(2)
	n, bounded := l.Max()
	assert.True(t, bounded)
	assert.Equal(t, 2, n)
	assert.True(t, l.Allows(1))
	assert.False(t, l.Allows(2))
}

func TestEligible(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	base := Coupon{Code: "X", Kind: KindFixed, Value: d("5"), ExpiresAt: now.Add(time.Hour), Active: true}

	c := base
	assert.True(t, c.Eligible(now))

	c = base
	c.Active = false
	assert.False(t, c.Eligible(now))

	c = base
	c.ExpiresAt = now
	assert.False(t, c.Eligible(now), "expiry must be strictly after now")

	c = base
	c.Limit = MaxUses(1)
	c.UsedCount = 1
	assert.False(t, c.Eligible(now))
}

func TestDiscountFor(t *testing.T) {
	tests := []struct {
		name   string
		coupon Coupon
		amount decimal.Decimal
		want   decimal.Decimal
	}{
		{"20 percent of 1000", Coupon{Kind: KindPercentage, Value: d("20")}, d("1000"), d("200")},
		{"10 percent of 2000", Coupon{Kind: KindPercentage, Value: d("10")}, d("2000"), d("200")},
		{"100 percent equals amount", Coupon{Kind: KindPercentage, Value: d("100")}, d("349.50"), d("349.50")},
		{"fixed under amount", Coupon{Kind: KindFixed, Value: d("150")}, d("1000"), d("150")},
		{"fixed capped at amount", Coupon{Kind: KindFixed, Value: d("150")}, d("100"), d("100")},
		{"zero amount", Coupon{Kind: KindFixed, Value: d("150")}, decimal.Zero, decimal.Zero},
		// 10.01 * 33.33 / 100 = 3.336333 -> 3.34
		{"rounds to 2 dp", Coupon{Kind: KindPercentage, Value: d("33.33")}, d("10.01"), d("3.34")},
		{"unknown kind grants nothing", Coupon{Kind: "bogus", Value: d("10")}, d("100"), decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.coupon.DiscountFor(tt.amount)
			assert.True(t, tt.want.Equal(got), "expected %s, got %s", tt.want, got)
		})
	}
}

func TestCheckMinimum(t *testing.T) {
	c := Coupon{MinPurchase: d("500")}
	require.NoError(t, c.CheckMinimum(d("500")))

	err := c.CheckMinimum(d("499.99"))
	var minErr *MinimumPurchaseError
	require.ErrorAs(t, err, &minErr)
	assert.Equal(t, "minimum purchase amount of 500.00 required", err.Error())
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}
