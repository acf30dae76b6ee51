// Package checkout sequences coupon redemption, pricing, order creation and
// payment intent creation, and settles orders from gateway callbacks.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/domain/auth"
	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
	"github.com/xenking/cricket-kart/internal/domain/pricing"
	"github.com/xenking/cricket-kart/internal/domain/product"
	"github.com/xenking/cricket-kart/internal/payment"
	"github.com/xenking/cricket-kart/internal/shipping"
)

const instrumentationName = "github.com/xenking/cricket-kart/internal/checkout"

var (
	// ErrZeroTotal is returned for a gateway order with nothing to charge.
	ErrZeroTotal = apperr.New(apperr.Validation, "order total is zero; choose cash on delivery")
	// ErrNotAwaitingPayment is returned when an intent is requested for an
	// order that is already settled or not paid through the gateway.
	ErrNotAwaitingPayment = apperr.New(apperr.StateConflict, "order is not awaiting payment")
	// ErrTrackingUnavailable is returned when the order has no shipment.
	ErrTrackingUnavailable = apperr.New(apperr.NotFound, "tracking is not available for this order")
)

// ProductNotFoundError indicates a requested product does not exist or is
// not for sale.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// ErrorKind implements apperr.Kinded.
func (e *ProductNotFoundError) ErrorKind() apperr.Kind { return apperr.Validation }

// TotalMismatchError is returned when the client-displayed total differs
// from the computed one.
type TotalMismatchError struct {
	Expected decimal.Decimal
}

func (e *TotalMismatchError) Error() string {
	return fmt.Sprintf("total amount does not match, expected %s", e.Expected.StringFixed(2))
}

// ErrorKind implements apperr.Kinded.
func (e *TotalMismatchError) ErrorKind() apperr.Kind { return apperr.Validation }

// IntentError is returned when the order was stored but the payment intent
// could not be created. The order stays pending and the intent can be
// requested again with RetryIntent.
type IntentError struct {
	OrderID string
	Err     error
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("create payment intent for order %s: %v", e.OrderID, e.Err)
}

func (e *IntentError) Unwrap() error { return e.Err }

// ErrorKind implements apperr.Kinded.
func (e *IntentError) ErrorKind() apperr.Kind { return apperr.ExternalService }

// Coupons validates and redeems discount codes. *coupon.Ledger implements it.
type Coupons interface {
	Quote(ctx context.Context, code string, purchase decimal.Decimal) (*coupon.Redemption, error)
	Redeem(ctx context.Context, code string, purchase decimal.Decimal) (*coupon.Redemption, error)
}

// Verifier authenticates gateway callbacks. *payment.Signer implements it.
type Verifier interface {
	Verify(orderReference, paymentID, signature string) bool
}

// Shipper is the carrier notification sink. *shipping.Client implements it.
type Shipper interface {
	CreateShipment(ctx context.Context, o *order.Order) (string, error)
	Track(ctx context.Context, ref string) (*shipping.Tracking, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Currency of every order and intent.
	Currency string
	// MaxAttempts bounds intent creation attempts per request.
	MaxAttempts uint64
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// AttemptTimeout bounds a single gateway call.
	AttemptTimeout time.Duration
	// ShipTimeout bounds the best-effort shipment notification.
	ShipTimeout time.Duration
	// FailOnSignatureMismatch marks the order's payment as failed when a
	// callback carries a bad signature. Off by default: a forged callback
	// must not be able to fail someone else's order.
	FailOnSignatureMismatch bool
}

func (c *Config) setDefaults() {
	if c.Currency == "" {
		c.Currency = order.DefaultCurrency
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.ShipTimeout <= 0 {
		c.ShipTimeout = 10 * time.Second
	}
}

// Option configures a Service.
type Option func(*Service)

// WithShipper enables carrier notification of settled orders.
func WithShipper(s Shipper) Option {
	return func(svc *Service) { svc.shipper = s }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(svc *Service) { svc.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(svc *Service) { svc.meterProvider = mp }
}

// Service is the checkout use-case controller.
type Service struct {
	products product.Repository
	coupons  Coupons
	orders   *order.Service
	gateway  payment.Gateway
	verifier Verifier
	shipper  Shipper
	cfg      Config
	now      func() time.Time

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	checkouts      metric.Int64Counter
	redemptions    metric.Int64Counter
	intents        metric.Int64Counter
	callbacks      metric.Int64Counter
}

// New creates a checkout Service.
func New(
	products product.Repository,
	coupons Coupons,
	orders *order.Service,
	gateway payment.Gateway,
	verifier Verifier,
	cfg Config,
	opts ...Option,
) (*Service, error) {
	cfg.setDefaults()
	s := &Service{
		products:       products,
		coupons:        coupons,
		orders:         orders,
		gateway:        gateway,
		verifier:       verifier,
		cfg:            cfg,
		now:            time.Now,
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, o := range opts {
		o(s)
	}
	s.tracer = s.tracerProvider.Tracer(instrumentationName)

	meter := s.meterProvider.Meter(instrumentationName)
	var err error
	if s.checkouts, err = meter.Int64Counter("kart.checkout.orders",
		metric.WithDescription("Checkout attempts by payment method and outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "checkouts counter")
	}
	if s.redemptions, err = meter.Int64Counter("kart.coupon.redemptions",
		metric.WithDescription("Coupon redemption attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}
	if s.intents, err = meter.Int64Counter("kart.payment.intents",
		metric.WithDescription("Payment intent creation attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "intents counter")
	}
	if s.callbacks, err = meter.Int64Counter("kart.payment.callbacks",
		metric.WithDescription("Payment callbacks by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "callbacks counter")
	}
	return s, nil
}

// Item is a cart entry as submitted by the client.
type Item struct {
	ProductID string
	Quantity  int
}

// Request is a checkout submission.
type Request struct {
	Items      []Item
	Address    order.Address
	Method     order.PaymentMethod
	CouponCode string
	// TotalAmount is the total the client displayed, if it sent one.
	TotalAmount *decimal.Decimal
}

// Result is a placed order and, for gateway orders, its payment intent.
type Result struct {
	Order  *order.Order
	Intent *payment.Intent
}

func outcome(err error) attribute.KeyValue {
	if err == nil {
		return attribute.String("outcome", "ok")
	}
	return attribute.String("outcome", apperr.KindOf(err).String())
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.PublicMessage(err))
	}
	span.End()
}

// Checkout places an order for p. A failing coupon aborts before anything
// is written. A failing gateway leaves a pending order and returns an
// *IntentError.
func (s *Service) Checkout(ctx context.Context, p auth.Principal, req Request) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout",
		trace.WithAttributes(attribute.String("payment.method", string(req.Method))),
	)
	defer func() {
		s.checkouts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", string(req.Method)),
			outcome(rerr),
		))
		endSpan(span, rerr)
	}()

	if p.Subject == "" {
		return nil, auth.ErrUnauthenticated
	}

	items, err := s.snapshot(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	if err := req.Address.Validate(); err != nil {
		return nil, err
	}
	if !req.Method.Valid() {
		return nil, apperr.New(apperr.Validation, fmt.Sprintf("unsupported payment method %q", req.Method))
	}

	// Everything the client can get wrong is checked against a quote before
	// the coupon is consumed.
	expected := pricing.Price(items, nil)
	if req.CouponCode != "" {
		q, err := s.coupons.Quote(ctx, req.CouponCode, expected.Subtotal)
		if err != nil {
			s.redemptions.Add(ctx, 1, metric.WithAttributes(outcome(err)))
			return nil, err
		}
		expected = pricing.Price(items, q.Coupon)
	}
	if req.TotalAmount != nil && !req.TotalAmount.Round(2).Equal(expected.Final) {
		return nil, &TotalMismatchError{Expected: expected.Final}
	}
	if req.Method == order.MethodGateway && !expected.Final.IsPositive() {
		return nil, ErrZeroTotal
	}

	quote := expected
	var applied *order.AppliedCoupon
	if req.CouponCode != "" {
		r, err := s.coupons.Redeem(ctx, req.CouponCode, expected.Subtotal)
		s.redemptions.Add(ctx, 1, metric.WithAttributes(outcome(err)))
		if err != nil {
			return nil, err
		}
		quote = pricing.Price(items, r.Coupon)
		if !quote.Final.Equal(expected.Final) {
			zctx.From(ctx).Warn("Coupon changed between quote and redemption",
				zap.String("coupon", r.Coupon.Code),
				zap.String("quoted", expected.Final.StringFixed(2)),
				zap.String("redeemed", quote.Final.StringFixed(2)),
			)
		}
		applied = &order.AppliedCoupon{Code: r.Coupon.Code, Kind: r.Coupon.Kind, Value: r.Coupon.Value}
	}

	o, err := order.New(order.Params{
		CustomerID: p.Subject,
		Items:      items,
		Address:    req.Address,
		Method:     req.Method,
		Coupon:     applied,
		Amounts:    quote.Amounts(),
		Currency:   s.cfg.Currency,
	}, s.now())
	if err != nil {
		warnConsumedCoupon(ctx, applied, err)
		return nil, err
	}
	if err := s.orders.Create(ctx, o); err != nil {
		warnConsumedCoupon(ctx, applied, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order placed",
		zap.String("customer_id", o.CustomerID),
		zap.String("total", o.Total.StringFixed(2)),
		zap.String("method", string(o.PaymentMethod)),
	)

	if o.PaymentMethod == order.MethodCOD {
		s.ship(ctx, o)
		return &Result{Order: o}, nil
	}

	return s.attachIntent(ctx, o)
}

// snapshot resolves cart items against the catalog, capturing name and
// unit price at this moment.
// warnConsumedCoupon records a redemption left without an order. The use is
// not released.
func warnConsumedCoupon(ctx context.Context, applied *order.AppliedCoupon, err error) {
	if applied == nil {
		return
	}
	zctx.From(ctx).Warn("Coupon use consumed without an order",
		zap.String("coupon", applied.Code),
		zap.Error(err),
	)
}

func (s *Service) snapshot(ctx context.Context, items []Item) ([]order.LineItem, error) {
	if len(items) == 0 {
		return nil, order.ErrInvalidLineItems
	}

	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, &order.LineItemError{ProductID: item.ProductID, Reason: "quantity must be greater than 0"}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	out := make([]order.LineItem, len(items))
	for i, item := range items {
		p, ok := byID[item.ProductID]
		if !ok || !p.Active {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		out[i] = order.LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
		}
	}
	return out, nil
}

// RetryIntent requests a payment intent for a pending gateway order that
// has none. The coupon is not redeemed again and the order is not
// recreated. An existing intent is returned unchanged.
func (s *Service) RetryIntent(ctx context.Context, p auth.Principal, orderID string) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.RetryIntent",
		trace.WithAttributes(attribute.String("order.id", orderID)),
	)
	defer func() { endSpan(span, rerr) }()

	o, err := s.orders.View(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	if o.IntentID != "" && o.Payment == order.PaymentPending {
		return &Result{Order: o, Intent: existingIntent(o)}, nil
	}
	if !o.AwaitingIntent() {
		return nil, ErrNotAwaitingPayment
	}
	return s.attachIntent(ctx, o)
}

func existingIntent(o *order.Order) *payment.Intent {
	return &payment.Intent{
		ID:       o.IntentID,
		Amount:   pricing.MinorUnits(o.Total),
		Currency: o.Currency,
	}
}

func (s *Service) attachIntent(ctx context.Context, o *order.Order) (*Result, error) {
	intent, err := s.createIntent(ctx, o)
	if err != nil {
		zctx.From(ctx).Warn("Payment intent creation failed, order left pending",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return nil, &IntentError{OrderID: o.ID, Err: err}
	}

	updated, err := s.orders.AttachIntent(ctx, o.ID, intent.ID)
	if err != nil {
		if !errors.Is(err, order.ErrConflict) {
			return nil, &IntentError{OrderID: o.ID, Err: err}
		}
		// A concurrent retry attached its intent first; hand that one out
		// so the client pays against the intent the order points to.
		current, gerr := s.orders.Get(ctx, o.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current.IntentID == "" {
			return nil, ErrNotAwaitingPayment
		}
		return &Result{Order: current, Intent: existingIntent(current)}, nil
	}
	return &Result{Order: updated, Intent: intent}, nil
}

// createIntent calls the gateway with the order's stored total, retrying
// transport failures with exponential backoff.
func (s *Service) createIntent(ctx context.Context, o *order.Order) (*payment.Intent, error) {
	amount := pricing.MinorUnits(o.Total)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, s.cfg.MaxAttempts-1), ctx)

	var intent *payment.Intent
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()

		in, err := s.gateway.CreateIntent(attemptCtx, amount, o.Currency, o.ID)
		s.intents.Add(ctx, 1, metric.WithAttributes(outcome(err)))
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		intent = in
		return nil
	}
	notify := func(err error, wait time.Duration) {
		zctx.From(ctx).Debug("Retrying payment intent",
			zap.String("order_id", o.ID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return intent, nil
}

// permanent reports whether repeating the gateway call cannot help.
func permanent(err error) bool {
	var rejected *payment.RejectedError
	if errors.As(err, &rejected) {
		return true
	}
	switch apperr.KindOf(err) {
	case apperr.Validation, apperr.Integrity:
		return true
	}
	return false
}

// Callback is a settlement notification relayed from the gateway.
type Callback struct {
	// OrderReference is the gateway order id, i.e. the intent reference.
	OrderReference string
	PaymentID      string
	Signature      string
}

// HandleCallback authenticates cb and, only when the signature matches,
// marks the order's payment completed. A repeated callback for the same
// payment is a no-op success.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (_ *order.Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.HandleCallback",
		trace.WithAttributes(attribute.String("payment.intent_id", cb.OrderReference)),
	)
	result := "completed"
	defer func() {
		if rerr != nil {
			result = apperr.KindOf(rerr).String()
		}
		s.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", result)))
		endSpan(span, rerr)
	}()

	if cb.OrderReference == "" || cb.PaymentID == "" || cb.Signature == "" {
		return nil, apperr.New(apperr.Validation, "order_id, payment_id and signature are required")
	}

	lg := zctx.From(ctx).With(zap.String("intent_id", cb.OrderReference))

	if !s.verifier.Verify(cb.OrderReference, cb.PaymentID, cb.Signature) {
		lg.Warn("Payment signature mismatch", zap.String("payment_id", cb.PaymentID))
		if s.cfg.FailOnSignatureMismatch {
			s.failPayment(ctx, lg, cb.OrderReference)
		}
		return nil, payment.ErrVerificationFailed
	}

	o, err := s.orders.GetByIntent(ctx, cb.OrderReference)
	if err != nil {
		return nil, err
	}
	wasPending := o.Payment == order.PaymentPending

	updated, err := s.orders.MarkPaymentCompleted(ctx, o.ID, cb.PaymentID, cb.Signature)
	if err != nil {
		return nil, err
	}
	if !wasPending {
		result = "duplicate"
		return updated, nil
	}

	lg.Info("Payment completed",
		zap.String("order_id", updated.ID),
		zap.String("payment_id", cb.PaymentID),
	)
	s.ship(ctx, updated)
	return updated, nil
}

func (s *Service) failPayment(ctx context.Context, lg *zap.Logger, intentID string) {
	o, err := s.orders.GetByIntent(ctx, intentID)
	if err != nil {
		return
	}
	if _, err := s.orders.MarkPaymentFailed(ctx, o.ID); err != nil {
		lg.Warn("Mark payment failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// ship notifies the carrier about o. Failures are logged and never fail
// the caller; an admin can still fulfil the order by hand.
func (s *Service) ship(ctx context.Context, o *order.Order) {
	if s.shipper == nil || o.ShipmentRef != "" {
		return
	}
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

	shipCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShipTimeout)
	defer cancel()

	ref, err := s.shipper.CreateShipment(shipCtx, o)
	if err != nil {
		lg.Warn("Shipment notification failed", zap.Error(err))
		return
	}
	if err := s.orders.AttachShipment(shipCtx, o.ID, ref); err != nil {
		lg.Warn("Attach shipment failed", zap.String("shipment_ref", ref), zap.Error(err))
		return
	}
	o.ShipmentRef = ref
	lg.Info("Shipment created", zap.String("shipment_ref", ref))
}

// Tracking returns carrier tracking for an order p may view.
func (s *Service) Tracking(ctx context.Context, p auth.Principal, orderID string) (*shipping.Tracking, error) {
	o, err := s.orders.View(ctx, p, orderID)
	if err != nil {
		return nil, err
	}
	if s.shipper == nil || o.ShipmentRef == "" {
		return nil, ErrTrackingUnavailable
	}
	return s.shipper.Track(ctx, o.ShipmentRef)
}
