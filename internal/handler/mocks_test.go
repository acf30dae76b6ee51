package handler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/checkout"
	"github.com/xenking/cricket-kart/internal/domain/auth"
	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
	"github.com/xenking/cricket-kart/internal/payment"
	"github.com/xenking/cricket-kart/internal/shipping"
)

// fakeCoupons is a map-backed Coupons with the ledger's eligibility rules.
type fakeCoupons struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	now     time.Time
}

func newFakeCoupons(now time.Time, cs ...*coupon.Coupon) *fakeCoupons {
	f := &fakeCoupons{coupons: make(map[string]*coupon.Coupon), now: now}
	for _, c := range cs {
		f.coupons[c.Code] = c
	}
	return f
}

func (f *fakeCoupons) find(code string) (*coupon.Coupon, error) {
	c, ok := f.coupons[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return c, nil
}

func (f *fakeCoupons) Lookup(_ context.Context, code string) (*coupon.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.find(code)
	if err != nil {
		return nil, err
	}
	if !c.Eligible(f.now) {
		return nil, coupon.ErrNotFound
	}
	return c, nil
}

func (f *fakeCoupons) Quote(ctx context.Context, code string, purchase decimal.Decimal) (*coupon.Redemption, error) {
	c, err := f.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := c.CheckMinimum(purchase); err != nil {
		return nil, err
	}
	d := c.DiscountFor(purchase)
	return &coupon.Redemption{Coupon: c, Discount: d, Final: purchase.Sub(d)}, nil
}

func (f *fakeCoupons) Create(_ context.Context, p coupon.Params) (*coupon.Coupon, error) {
	c, err := coupon.New(p, f.now)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.coupons[c.Code]; ok {
		return nil, coupon.ErrDuplicateCode
	}
	f.coupons[c.Code] = c
	return c, nil
}

func (f *fakeCoupons) List(context.Context) ([]coupon.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coupon.Coupon, 0, len(f.coupons))
	for _, c := range f.coupons {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeCoupons) Update(_ context.Context, code string, p coupon.Patch) (*coupon.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.find(code)
	if err != nil {
		return nil, err
	}
	if p.Limit != nil {
		c.Limit = *p.Limit
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.Value != nil {
		c.Value = *p.Value
	}
	return c, c.Validate()
}

func (f *fakeCoupons) Deactivate(ctx context.Context, code string) error {
	inactive := false
	_, err := f.Update(ctx, code, coupon.Patch{Active: &inactive})
	return err
}

// fakeOrders applies the owner-or-admin rules over a map.
type fakeOrders struct {
	orders map[string]*order.Order
}

func (f *fakeOrders) View(_ context.Context, p auth.Principal, id string) (*order.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if !p.CanAccess(o.CustomerID) {
		return nil, auth.ErrNotAuthorized
	}
	return o, nil
}

func (f *fakeOrders) ListMine(_ context.Context, p auth.Principal) ([]order.Order, error) {
	var out []order.Order
	for _, o := range f.orders {
		if o.CustomerID == p.Subject {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) ListAll(_ context.Context, p auth.Principal) ([]order.Order, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	out := make([]order.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeOrders) AdvanceFulfillment(_ context.Context, p auth.Principal, id string, next order.FulfillmentStatus) (*order.Order, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if err := o.Advance(next); err != nil {
		return nil, err
	}
	return o, nil
}

// fakeCheckout records requests and returns canned results.
type fakeCheckout struct {
	lastReq      checkout.Request
	lastCustomer string
	result       *checkout.Result
	err          error
	callback     func(checkout.Callback) (*order.Order, error)
	tracking     *shipping.Tracking
}

func (f *fakeCheckout) Checkout(_ context.Context, p auth.Principal, req checkout.Request) (*checkout.Result, error) {
	f.lastReq, f.lastCustomer = req, p.Subject
	return f.result, f.err
}

func (f *fakeCheckout) RetryIntent(context.Context, auth.Principal, string) (*checkout.Result, error) {
	return f.result, f.err
}

func (f *fakeCheckout) HandleCallback(_ context.Context, cb checkout.Callback) (*order.Order, error) {
	return f.callback(cb)
}

func (f *fakeCheckout) Tracking(context.Context, auth.Principal, string) (*shipping.Tracking, error) {
	if f.tracking == nil {
		return nil, checkout.ErrTrackingUnavailable
	}
	return f.tracking, nil
}

type fakeKeys struct{ admin string }

func (f fakeKeys) Authenticate(_ context.Context, key string) (auth.Principal, error) {
	if key != f.admin {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	return auth.Principal{Subject: "ops-bot", Admin: true}, nil
}

func testIntent(orderID string) *payment.Intent {
	return &payment.Intent{ID: "order_rzp_" + orderID, Amount: 180000, Currency: "INR", Status: "created"}
}
