package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/domain/coupon"
)

// DefaultCurrency is the only currency orders are placed in.
const DefaultCurrency = "INR"

// PaymentMethod is how the customer settles an order.
type PaymentMethod string

const (
	// MethodGateway settles through the external payment gateway.
	MethodGateway PaymentMethod = "gateway"
	// MethodCOD is cash on delivery; no payment intent is created.
	MethodCOD PaymentMethod = "cod"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == MethodGateway || m == MethodCOD
}

// FulfillmentStatus is the shipping lifecycle of an order.
type FulfillmentStatus string

const (
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)

var fulfillmentEdges = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentProcessing: {FulfillmentShipped, FulfillmentCancelled},
	FulfillmentShipped:    {FulfillmentDelivered},
}

// CanAdvanceTo reports whether next is a legal successor of s.
func (s FulfillmentStatus) CanAdvanceTo(next FulfillmentStatus) bool {
	for _, e := range fulfillmentEdges[s] {
		if e == next {
			return true
		}
	}
	return false
}

// ParseFulfillmentStatus parses a client-supplied status.
func ParseFulfillmentStatus(s string) (FulfillmentStatus, error) {
	switch st := FulfillmentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case FulfillmentProcessing, FulfillmentShipped, FulfillmentDelivered, FulfillmentCancelled:
		return st, nil
	}
	return "", apperr.New(apperr.Validation, fmt.Sprintf("unknown order status %q", s))
}

// PaymentStatus is the settlement state of an order.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

var (
	// ErrInvalidLineItems is returned for an empty item list or a
	// non-positive quantity.
	ErrInvalidLineItems = apperr.New(apperr.Validation, "invalid line items")
	// ErrInvalidStateTransition is returned for an edge the payment or
	// fulfillment state machine does not allow.
	ErrInvalidStateTransition = apperr.New(apperr.StateConflict, "invalid state transition")
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = apperr.New(apperr.NotFound, "order not found")
	// ErrConflict is returned by conditional repository writes when the
	// stored state no longer matches the expected one.
	ErrConflict = apperr.New(apperr.StateConflict, "order was modified concurrently")
	// ErrAmountMismatch is returned when the amounts do not reconcile with
	// the line items.
	ErrAmountMismatch = apperr.New(apperr.Validation, "order amounts do not reconcile")
)

// LineItemError describes the offending line item. It matches
// ErrInvalidLineItems with errors.Is.
type LineItemError struct {
	ProductID string
	Reason    string
}

func (e *LineItemError) Error() string {
	return fmt.Sprintf("invalid line item %s: %s", e.ProductID, e.Reason)
}

// Is implements errors.Is.
func (e *LineItemError) Is(target error) bool { return target == ErrInvalidLineItems }

// ErrorKind implements apperr.Kinded.
func (e *LineItemError) ErrorKind() apperr.Kind { return apperr.Validation }

// LineItem is an immutable snapshot of a cart entry taken at checkout.
type LineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Total returns UnitPrice × Quantity.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Address is the shipping destination captured at checkout.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Validate checks that the required address fields are present.
func (a Address) Validate() error {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"name", a.Name},
		{"line1", a.Line1},
		{"city", a.City},
		{"postalCode", a.PostalCode},
		{"country", a.Country},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return apperr.New(apperr.Validation, "shipping address missing "+strings.Join(missing, ", "))
	}
	return nil
}

// AppliedCoupon records the coupon values an order was priced with. It is
// a copy, not a reference, so later coupon edits don't alter the order.
type AppliedCoupon struct {
	Code  string
	Kind  coupon.Kind
	Value decimal.Decimal
}

// Amounts are the monetary totals of an order.
type Amounts struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Order is the durable record of a purchase.
type Order struct {
	ID               string
	CustomerID       string
	Items            []LineItem
	ShippingAddress  Address
	PaymentMethod    PaymentMethod
	Coupon           *AppliedCoupon
	Subtotal         decimal.Decimal
	Discount         decimal.Decimal
	Total            decimal.Decimal
	Currency         string
	Fulfillment      FulfillmentStatus
	Payment          PaymentStatus
	IntentID         string
	PaymentID        string
	PaymentSignature string
	ShipmentRef      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Params holds the inputs of a new order.
type Params struct {
	CustomerID string
	Items      []LineItem
	Address    Address
	Method     PaymentMethod
	Coupon     *AppliedCoupon
	Amounts    Amounts
	Currency   string
}

// New validates p and creates an order awaiting payment.
func New(p Params, now time.Time) (*Order, error) {
	if p.CustomerID == "" {
		return nil, apperr.New(apperr.Validation, "customer is required")
	}
	if len(p.Items) == 0 {
		return nil, ErrInvalidLineItems
	}

	items := make([]LineItem, len(p.Items))
	subtotal := decimal.Zero
	for i, item := range p.Items {
		switch {
		case item.ProductID == "":
			return nil, &LineItemError{Reason: "product is required"}
		case item.Quantity <= 0:
			return nil, &LineItemError{ProductID: item.ProductID, Reason: "quantity must be greater than 0"}
		case item.UnitPrice.IsNegative():
			return nil, &LineItemError{ProductID: item.ProductID, Reason: "unit price cannot be negative"}
		}
		items[i] = item
		subtotal = subtotal.Add(item.Total())
	}

	if err := p.Address.Validate(); err != nil {
		return nil, err
	}
	if !p.Method.Valid() {
		return nil, apperr.New(apperr.Validation, fmt.Sprintf("unsupported payment method %q", p.Method))
	}

	a := p.Amounts
	want := a.Subtotal.Sub(a.Discount)
	if want.IsNegative() {
		want = decimal.Zero
	}
	if !a.Subtotal.Round(2).Equal(subtotal.Round(2)) ||
		a.Discount.IsNegative() ||
		!a.Total.Round(2).Equal(want.Round(2)) {
		return nil, ErrAmountMismatch
	}

	currency := p.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	var applied *AppliedCoupon
	if p.Coupon != nil {
		c := *p.Coupon
		applied = &c
	}

	now = now.UTC()
	return &Order{
		ID:              uuid.NewString(),
		CustomerID:      p.CustomerID,
		Items:           items,
		ShippingAddress: p.Address,
		PaymentMethod:   p.Method,
		Coupon:          applied,
		Subtotal:        a.Subtotal.Round(2),
		Discount:        a.Discount.Round(2),
		Total:           a.Total.Round(2),
		Currency:        currency,
		Fulfillment:     FulfillmentProcessing,
		Payment:         PaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// CompletePayment records a verified payment. It reports false without error
// when the same payment was already recorded.
func (o *Order) CompletePayment(paymentID, signature string) (bool, error) {
	switch o.Payment {
	case PaymentPending:
		o.Payment = PaymentCompleted
		o.PaymentID = paymentID
		o.PaymentSignature = signature
		return true, nil
	case PaymentCompleted:
		if o.PaymentID == paymentID {
			return false, nil
		}
	}
	return false, ErrInvalidStateTransition
}

// FailPayment marks the payment as failed. It reports false without error
// when the order already failed.
func (o *Order) FailPayment() (bool, error) {
	switch o.Payment {
	case PaymentPending:
		o.Payment = PaymentFailed
		return true, nil
	case PaymentFailed:
		return false, nil
	}
	return false, ErrInvalidStateTransition
}

// Advance moves the fulfillment status along the state graph.
func (o *Order) Advance(next FulfillmentStatus) error {
	if !o.Fulfillment.CanAdvanceTo(next) {
		return ErrInvalidStateTransition
	}
	o.Fulfillment = next
	return nil
}

// AwaitingIntent reports whether a payment intent may still be requested.
func (o *Order) AwaitingIntent() bool {
	return o.PaymentMethod == MethodGateway && o.Payment == PaymentPending && o.IntentID == ""
}
