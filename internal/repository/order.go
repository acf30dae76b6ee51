package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
)

const orderColumns = `id, customer_id, items, shipping_address, payment_method,
	coupon_code, coupon_kind, coupon_value, subtotal, discount, total, currency,
	fulfillment, payment_status, intent_id, payment_id, payment_signature, shipment_ref,
	created_at, updated_at`

const (
	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByIntentSQL = `SELECT ` + orderColumns + ` FROM orders WHERE intent_id = $1`

	listOrdersByCustomerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE customer_id = $1 ORDER BY created_at DESC`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC`

	updatePaymentSQL = `UPDATE orders
		SET payment_status = $3, payment_id = $4, payment_signature = $5, updated_at = now()
		WHERE id = $1 AND payment_status = $2
		RETURNING ` + orderColumns

	updateFulfillmentSQL = `UPDATE orders SET fulfillment = $3, updated_at = now()
		WHERE id = $1 AND fulfillment = $2
		RETURNING ` + orderColumns

	attachIntentSQL = `UPDATE orders SET intent_id = $2, updated_at = now()
		WHERE id = $1 AND intent_id IS NULL AND payment_status = 'pending'
		RETURNING ` + orderColumns

	attachShipmentSQL = `UPDATE orders SET shipment_ref = $2, updated_at = now() WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Line
// items and the shipping address are snapshots and live in JSONB columns.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

type lineItemRow struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type addressRow struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	items := make([]lineItemRow, len(o.Items))
	for i, li := range o.Items {
		items[i] = lineItemRow(li)
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	addrJSON, err := json.Marshal(addressRow(o.ShippingAddress))
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}

	var (
		couponCode  *string
		couponKind  *string
		couponValue decimal.NullDecimal
	)
	if c := o.Coupon; c != nil {
		kind := string(c.Kind)
		couponCode, couponKind = &c.Code, &kind
		couponValue = decimal.NewNullDecimal(c.Value)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.CustomerID, itemsJSON, addrJSON, string(o.PaymentMethod),
		couponCode, couponKind, couponValue, o.Subtotal, o.Discount, o.Total, o.Currency,
		string(o.Fulfillment), string(o.Payment), nullString(o.IntentID),
		o.PaymentID, o.PaymentSignature, o.ShipmentRef,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns the order with the given id or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.one(ctx, "getting order", getOrderSQL, id)
}

// GetByIntent returns the order whose payment intent is intentID.
func (r *OrderRepository) GetByIntent(ctx context.Context, intentID string) (*order.Order, error) {
	return r.one(ctx, "getting order by intent", getOrderByIntentSQL, intentID)
}

// ListByCustomer returns the orders of customerID, newest first.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByCustomerSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", customerID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// List returns every order, newest first.
func (r *OrderRepository) List(ctx context.Context) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// UpdatePayment writes u when the stored payment status is still from.
func (r *OrderRepository) UpdatePayment(ctx context.Context, id string, from order.PaymentStatus, u order.PaymentUpdate) (*order.Order, error) {
	return r.conditional(ctx, "updating payment", updatePaymentSQL,
		id, string(from), string(u.Status), u.PaymentID, u.Signature)
}

// UpdateFulfillment writes to when the stored fulfillment status is still from.
func (r *OrderRepository) UpdateFulfillment(ctx context.Context, id string, from, to order.FulfillmentStatus) (*order.Order, error) {
	return r.conditional(ctx, "updating fulfillment", updateFulfillmentSQL, id, string(from), string(to))
}

// AttachIntent records intentID on a pending order that has no intent yet.
func (r *OrderRepository) AttachIntent(ctx context.Context, id, intentID string) (*order.Order, error) {
	return r.conditional(ctx, "attaching intent", attachIntentSQL, id, intentID)
}

// AttachShipment records the carrier reference of an order.
func (r *OrderRepository) AttachShipment(ctx context.Context, id, ref string) error {
	tag, err := r.pool.Exec(ctx, attachShipmentSQL, id, ref)
	if err != nil {
		return fmt.Errorf("attaching shipment to order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) one(ctx context.Context, op, sql string, arg string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", op, arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("%s %q: %w", op, arg, err)
	}
	return &o, nil
}

// conditional runs an UPDATE … RETURNING whose WHERE clause guards the
// stored state. No returned row means the guard failed.
func (r *OrderRepository) conditional(ctx context.Context, op, sql string, args ...any) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s of order %v: %w", op, args[0], err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrConflict
		}
		return nil, fmt.Errorf("%s of order %v: %w", op, args[0], err)
	}
	return &o, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o           order.Order
		itemsJSON   []byte
		addrJSON    []byte
		method      string
		couponCode  *string
		couponKind  *string
		couponValue decimal.NullDecimal
		fulfillment string
		payment     string
		intentID    *string
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &itemsJSON, &addrJSON, &method,
		&couponCode, &couponKind, &couponValue, &o.Subtotal, &o.Discount, &o.Total, &o.Currency,
		&fulfillment, &payment, &intentID, &o.PaymentID, &o.PaymentSignature, &o.ShipmentRef,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}

	var items []lineItemRow
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return o, fmt.Errorf("unmarshaling items of order %q: %w", o.ID, err)
	}
	o.Items = make([]order.LineItem, len(items))
	for i, li := range items {
		o.Items[i] = order.LineItem(li)
	}

	var addr addressRow
	if err := json.Unmarshal(addrJSON, &addr); err != nil {
		return o, fmt.Errorf("unmarshaling address of order %q: %w", o.ID, err)
	}
	o.ShippingAddress = order.Address(addr)

	o.PaymentMethod = order.PaymentMethod(method)
	o.Fulfillment = order.FulfillmentStatus(fulfillment)
	o.Payment = order.PaymentStatus(payment)
	if intentID != nil {
		o.IntentID = *intentID
	}
	if couponCode != nil && couponKind != nil && couponValue.Valid {
		o.Coupon = &order.AppliedCoupon{
			Code:  *couponCode,
			Kind:  coupon.Kind(*couponKind),
			Value: couponValue.Decimal,
		}
	}
	return o, nil
}
