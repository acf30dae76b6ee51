package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
)

// ErrInvalidAmount is returned for a negative purchase amount.
var ErrInvalidAmount = apperr.New(apperr.Validation, "purchase amount cannot be negative")

// Redemption is the outcome of redeeming (or quoting) a coupon against a
// purchase amount.
type Redemption struct {
	Coupon   *Coupon
	Discount decimal.Decimal
	Final    decimal.Decimal
}

func newRedemption(c *Coupon, purchase decimal.Decimal) *Redemption {
	d := c.DiscountFor(purchase)
	final := purchase.Sub(d)
	if final.IsNegative() {
		final = decimal.Zero
	}
	return &Redemption{Coupon: c, Discount: d, Final: final.Round(2)}
}

// Ledger validates and redeems coupons. Redemption relies on the
// Repository's conditional write for correctness under concurrency; the
// ledger itself holds no locks.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// NewLedger creates a Ledger backed by the given Repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// Lookup returns the coupon for code if it is currently redeemable.
func (l *Ledger) Lookup(ctx context.Context, code string) (*Coupon, error) {
	c, err := l.find(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.Eligible(l.now()) {
		return nil, ErrNotFound
	}
	return c, nil
}

// Quote computes the discount code would grant on purchase without consuming
// a redemption.
func (l *Ledger) Quote(ctx context.Context, code string, purchase decimal.Decimal) (*Redemption, error) {
	if purchase.IsNegative() {
		return nil, ErrInvalidAmount
	}
	c, err := l.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := c.CheckMinimum(purchase); err != nil {
		return nil, err
	}
	return newRedemption(c, purchase), nil
}

// Redeem validates code against purchase and consumes one redemption in the
// same conditional write. When nothing was written it probes the coupon to
// tell a minimum-purchase failure apart from ineligibility.
func (l *Ledger) Redeem(ctx context.Context, code string, purchase decimal.Decimal) (*Redemption, error) {
	if purchase.IsNegative() {
		return nil, ErrInvalidAmount
	}
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrNotFound
	}

	now := l.now()
	c, err := l.repo.Redeem(ctx, code, purchase, now)
	if err == nil {
		return newRedemption(c, purchase), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "redeem coupon")
	}

	probe, err := l.find(ctx, code)
	if err != nil {
		return nil, err
	}
	if !probe.Eligible(now) {
		return nil, ErrNotFound
	}
	if err := probe.CheckMinimum(purchase); err != nil {
		return nil, err
	}
	// Eligible and above the minimum on re-read: a concurrent redemption
	// took the last use between the write and the probe.
	return nil, ErrNotFound
}

// Create validates p and stores a new coupon.
func (l *Ledger) Create(ctx context.Context, p Params) (*Coupon, error) {
	c, err := New(p, l.now())
	if err != nil {
		return nil, err
	}
	if err := l.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns all coupons, including inactive ones.
func (l *Ledger) List(ctx context.Context) ([]Coupon, error) {
	return l.repo.List(ctx)
}

// Patch holds the administrator-mutable coupon fields. Nil fields are left
// unchanged.
type Patch struct {
	Kind        *Kind
	Value       *decimal.Decimal
	MinPurchase *decimal.Decimal
	ExpiresAt   *time.Time
	Limit       *Limit
	Active      *bool
}

// Update applies p to the coupon identified by code.
func (l *Ledger) Update(ctx context.Context, code string, p Patch) (*Coupon, error) {
	c, err := l.find(ctx, code)
	if err != nil {
		return nil, err
	}
	if p.Kind != nil {
		c.Kind = *p.Kind
	}
	if p.Value != nil {
		c.Value = *p.Value
	}
	if p.MinPurchase != nil {
		c.MinPurchase = *p.MinPurchase
	}
	if p.ExpiresAt != nil {
		c.ExpiresAt = *p.ExpiresAt
	}
	if p.Limit != nil {
		c.Limit = *p.Limit
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := l.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Deactivate logically deletes a coupon. Coupons are never removed because
// historical orders captured their values.
func (l *Ledger) Deactivate(ctx context.Context, code string) error {
	inactive := false
	_, err := l.Update(ctx, code, Patch{Active: &inactive})
	return err
}

func (l *Ledger) find(ctx context.Context, code string) (*Coupon, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrNotFound
	}
	c, err := l.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	return c, nil
}
