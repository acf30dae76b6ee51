package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
	"github.com/xenking/cricket-kart/internal/domain/product"
	"github.com/xenking/cricket-kart/internal/payment"
	"github.com/xenking/cricket-kart/internal/shipping"
)

// --- Catalog ---

type mockProductRepo struct {
	byID map[string]product.Product
	err  error
}

func newProductRepo(ps ...product.Product) *mockProductRepo {
	m := &mockProductRepo{byID: make(map[string]product.Product)}
	for _, p := range ps {
		m.byID[p.ID] = p
	}
	return m
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- Coupons ---

type memCouponRepo struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
}

func newCouponRepo(cs ...coupon.Coupon) *memCouponRepo {
	m := &memCouponRepo{coupons: make(map[string]*coupon.Coupon)}
	for i := range cs {
		c := cs[i]
		m.coupons[c.Code] = &c
	}
	return m
}

func (m *memCouponRepo) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCouponRepo) Redeem(_ context.Context, code string, purchase decimal.Decimal, now time.Time) (*coupon.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok || !c.Eligible(now) || purchase.LessThan(c.MinPurchase) {
		return nil, coupon.ErrNotFound
	}
	c.UsedCount++
	cp := *c
	return &cp, nil
}

func (m *memCouponRepo) Create(_ context.Context, c *coupon.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.coupons[c.Code] = &cp
	return nil
}

func (m *memCouponRepo) List(context.Context) ([]coupon.Coupon, error) { return nil, nil }

func (m *memCouponRepo) Update(context.Context, *coupon.Coupon) error { return nil }

func (m *memCouponRepo) used(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[code].UsedCount
}

// --- Orders ---

type mockOrderRepo struct {
	mu            sync.Mutex
	orders        map[string]*order.Order
	paymentWrites int
	createErr     error
}

func newOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[string]*order.Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *order.Order) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetByIntent(_ context.Context, intentID string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IntentID == intentID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *mockOrderRepo) ListByCustomer(context.Context, string) ([]order.Order, error) {
	return nil, nil
}

func (m *mockOrderRepo) List(context.Context) ([]order.Order, error) { return nil, nil }

func (m *mockOrderRepo) UpdatePayment(_ context.Context, id string, from order.PaymentStatus, u order.PaymentUpdate) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Payment != from {
		return nil, order.ErrConflict
	}
	o.Payment = u.Status
	o.PaymentID = u.PaymentID
	o.PaymentSignature = u.Signature
	m.paymentWrites++
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) UpdateFulfillment(_ context.Context, id string, from, to order.FulfillmentStatus) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Fulfillment != from {
		return nil, order.ErrConflict
	}
	o.Fulfillment = to
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) AttachIntent(_ context.Context, id, intentID string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.IntentID != "" || o.Payment != order.PaymentPending {
		return nil, order.ErrConflict
	}
	o.IntentID = intentID
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) AttachShipment(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.ShipmentRef = ref
	return nil
}

func (m *mockOrderRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// --- Gateway ---

type mockGateway struct {
	mu       sync.Mutex
	calls    int
	failures int // fail the first N calls with err
	err      error
	amounts  []int64
}

var errGatewayDown = errors.New("connection refused")

func (m *mockGateway) CreateIntent(_ context.Context, amountMinor int64, currency, reference string) (*payment.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.amounts = append(m.amounts, amountMinor)
	if m.calls <= m.failures {
		return nil, m.err
	}
	return &payment.Intent{
		ID:       "order_rzp_" + reference,
		Amount:   amountMinor,
		Currency: currency,
		Status:   "created",
	}, nil
}

// --- Shipper ---

type mockShipper struct {
	mu      sync.Mutex
	created []string
	err     error
}

func (m *mockShipper) CreateShipment(_ context.Context, o *order.Order) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.created = append(m.created, o.ID)
	return "ship-" + o.ID, nil
}

func (m *mockShipper) Track(_ context.Context, ref string) (*shipping.Tracking, error) {
	return &shipping.Tracking{ShipmentRef: ref, Status: "In Transit"}, nil
}
