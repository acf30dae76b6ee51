package coupon

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
)

// Kind enumerates the supported coupon discount strategies.
type Kind string

const (
	// KindPercentage takes a percentage of the purchase amount.
	KindPercentage Kind = "percentage"
	// KindFixed takes a fixed amount, capped at the purchase amount.
	KindFixed Kind = "fixed"
)

// Valid reports whether k is a known discount kind.
func (k Kind) Valid() bool {
	return k == KindPercentage || k == KindFixed
}

var (
	// ErrNotFound is returned when a code does not exist or is not currently
	// redeemable. Expired, inactive, exhausted and unknown codes are
	// deliberately reported the same way.
	ErrNotFound = apperr.New(apperr.NotFound, "coupon not found or expired")
	// ErrLimitBelowUsage is returned when an update would set the quota
	// below the number of redemptions already made.
	ErrLimitBelowUsage = apperr.New(apperr.StateConflict, "max uses cannot be lower than used count")
	// ErrDuplicateCode is returned when creating a coupon whose code exists.
	ErrDuplicateCode = apperr.New(apperr.StateConflict, "coupon code already exists")
)

// MinimumPurchaseError is returned when the purchase amount is below the
// coupon's minimum. The message names the required minimum.
type MinimumPurchaseError struct {
	Minimum decimal.Decimal
}

func (e *MinimumPurchaseError) Error() string {
	return fmt.Sprintf("minimum purchase amount of %s required", e.Minimum.StringFixed(2))
}

// ErrorKind implements apperr.Kinded.
func (e *MinimumPurchaseError) ErrorKind() apperr.Kind { return apperr.Validation }

// Limit is an optional redemption quota. The zero value is unlimited.
type Limit struct {
	max     int
	bounded bool
}

// Unlimited returns a Limit without a quota.
func Unlimited() Limit { return Limit{} }

// MaxUses returns a Limit allowing at most n redemptions.
func MaxUses(n int) Limit { return Limit{max: n, bounded: true} }

// Max returns the quota and whether one is set.
func (l Limit) Max() (int, bool) { return l.max, l.bounded }

// Allows reports whether one more redemption fits after used redemptions.
func (l Limit) Allows(used int) bool {
	return !l.bounded || used < l.max
}

func (l Limit) String() string {
	if !l.bounded {
		return "unlimited"
	}
	return fmt.Sprintf("%d", l.max)
}

// Coupon is a discount code together with its eligibility constraints and
// redemption counter.
type Coupon struct {
	Code        string
	Kind        Kind
	Value       decimal.Decimal
	MinPurchase decimal.Decimal
	ExpiresAt   time.Time
	Limit       Limit
	UsedCount   int
	Active      bool
	CreatedAt   time.Time
}

// Params holds the administrator-supplied fields of a new coupon.
type Params struct {
	Code        string
	Kind        Kind
	Value       decimal.Decimal
	MinPurchase decimal.Decimal
	ExpiresAt   time.Time
	Limit       Limit
	Active      bool
}

// New validates p and builds a Coupon with a zero redemption count.
func New(p Params, now time.Time) (*Coupon, error) {
	c := &Coupon{
		Code:        NormalizeCode(p.Code),
		Kind:        p.Kind,
		Value:       p.Value,
		MinPurchase: p.MinPurchase,
		ExpiresAt:   p.ExpiresAt,
		Limit:       p.Limit,
		Active:      p.Active,
		CreatedAt:   now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the field invariants of c.
func (c *Coupon) Validate() error {
	switch {
	case c.Code == "":
		return apperr.New(apperr.Validation, "coupon code is required")
	case !c.Kind.Valid():
		return apperr.New(apperr.Validation, fmt.Sprintf("unsupported discount type %q", c.Kind))
	case !c.Value.IsPositive():
		return apperr.New(apperr.Validation, "discount value must be positive")
	case !c.Value.Equal(c.Value.Round(2)):
		return apperr.New(apperr.Validation, "discount value cannot have more than 2 decimal places")
	case c.Kind == KindPercentage && c.Value.GreaterThan(hundred):
		return apperr.New(apperr.Validation, "percentage discount cannot exceed 100")
	case c.MinPurchase.IsNegative():
		return apperr.New(apperr.Validation, "minimum purchase amount cannot be negative")
	case !c.MinPurchase.Equal(c.MinPurchase.Round(2)):
		return apperr.New(apperr.Validation, "minimum purchase amount cannot have more than 2 decimal places")
	case c.ExpiresAt.IsZero():
		return apperr.New(apperr.Validation, "expiry date is required")
	case c.UsedCount < 0:
		return apperr.New(apperr.Validation, "used count cannot be negative")
	}
	if n, ok := c.Limit.Max(); ok {
		if n < 1 {
			return apperr.New(apperr.Validation, "max uses must be at least 1")
		}
		if n > math.MaxInt32 {
			return apperr.New(apperr.Validation, fmt.Sprintf("max uses cannot exceed %d", math.MaxInt32))
		}
		if c.UsedCount > n {
			return ErrLimitBelowUsage
		}
	}
	return nil
}

// Eligible reports whether c can be redeemed at now, ignoring the minimum
// purchase amount.
func (c *Coupon) Eligible(now time.Time) bool {
	return c.Active && c.ExpiresAt.After(now) && c.Limit.Allows(c.UsedCount)
}

// CheckMinimum returns a *MinimumPurchaseError when amount is below the
// coupon's minimum purchase amount.
func (c *Coupon) CheckMinimum(amount decimal.Decimal) error {
	if amount.LessThan(c.MinPurchase) {
		return &MinimumPurchaseError{Minimum: c.MinPurchase}
	}
	return nil
}

// NormalizeCode trims and upper-cases a coupon code. Codes are stored and
// compared in this form.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository provides persistence for coupons. Implementations must perform
// Redeem as a single conditional write.
type Repository interface {
	// FindByCode returns the coupon regardless of its eligibility, or
	// ErrNotFound.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// Redeem increments the redemption counter of code if, at the moment of
	// the write, the coupon is active, unexpired at now, below its quota and
	// purchase meets its minimum. It returns the updated coupon, or
	// ErrNotFound when no row qualified.
	Redeem(ctx context.Context, code string, purchase decimal.Decimal, now time.Time) (*Coupon, error)
	Create(ctx context.Context, c *Coupon) error
	List(ctx context.Context) ([]Coupon, error)
	// Update writes the administrator-mutable fields of c. It must not touch
	// the redemption counter and returns ErrLimitBelowUsage when the stored
	// counter already exceeds c's quota.
	Update(ctx context.Context, c *Coupon) error
}
