// Package handler exposes the checkout, coupon and order operations over
// HTTP. Requests and responses are JSON encoded with go-faster/jx.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/checkout"
	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/domain/auth"
	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
	"github.com/xenking/cricket-kart/internal/shipping"
)

var errRouteNotFound = apperr.New(apperr.NotFound, "route not found")

// Coupons is the coupon ledger. *coupon.Ledger implements it.
type Coupons interface {
	Lookup(ctx context.Context, code string) (*coupon.Coupon, error)
	Quote(ctx context.Context, code string, purchase decimal.Decimal) (*coupon.Redemption, error)
	Create(ctx context.Context, p coupon.Params) (*coupon.Coupon, error)
	List(ctx context.Context) ([]coupon.Coupon, error)
	Update(ctx context.Context, code string, p coupon.Patch) (*coupon.Coupon, error)
	Deactivate(ctx context.Context, code string) error
}

// Orders reads and advances orders. *order.Service implements it.
type Orders interface {
	View(ctx context.Context, p auth.Principal, id string) (*order.Order, error)
	ListMine(ctx context.Context, p auth.Principal) ([]order.Order, error)
	ListAll(ctx context.Context, p auth.Principal) ([]order.Order, error)
	AdvanceFulfillment(ctx context.Context, p auth.Principal, id string, next order.FulfillmentStatus) (*order.Order, error)
}

// Checkout places and settles orders. *checkout.Service implements it.
type Checkout interface {
	Checkout(ctx context.Context, p auth.Principal, req checkout.Request) (*checkout.Result, error)
	RetryIntent(ctx context.Context, p auth.Principal, orderID string) (*checkout.Result, error)
	HandleCallback(ctx context.Context, cb checkout.Callback) (*order.Order, error)
	Tracking(ctx context.Context, p auth.Principal, orderID string) (*shipping.Tracking, error)
}

// Config holds non-dependency handler settings.
type Config struct {
	// GatewayKeyID is the public key id returned with payment intents so
	// clients can open the gateway's checkout sheet.
	GatewayKeyID string
}

// Handler serves the /api routes.
type Handler struct {
	coupons  Coupons
	orders   Orders
	checkout Checkout
	security *Security
	cfg      Config
}

// New creates a Handler.
func New(cfg Config, coupons Coupons, orders Orders, co Checkout, security *Security) *Handler {
	return &Handler{
		coupons:  coupons,
		orders:   orders,
		checkout: co,
		security: security,
		cfg:      cfg,
	}
}

// Mount registers the API routes on r under /api.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/coupons/{code}", h.getCoupon)
		r.Post("/coupons/{code}/apply", h.applyCoupon)
		r.Post("/payments/verify", h.verifyPayment)

		r.Group(func(r chi.Router) {
			r.Use(h.security.Require)
			r.Post("/orders", h.createOrder)
			r.Get("/orders/mine", h.listMyOrders)
			r.Get("/orders/{id}", h.getOrder)
			r.Post("/orders/{id}/intent", h.retryIntent)
			r.Get("/orders/{id}/tracking", h.tracking)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.security.RequireAdmin)
			r.Get("/coupons", h.listCoupons)
			r.Post("/coupons", h.createCoupon)
			r.Put("/coupons/{code}", h.updateCoupon)
			r.Delete("/coupons/{code}", h.deactivateCoupon)
			r.Get("/orders", h.listAllOrders)
			r.Put("/orders/{id}/status", h.updateOrderStatus)
		})
	})
}

// Router returns a chi router serving the API with the given route-aware
// middlewares, for callers that don't compose their own router.
func (h *Handler) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("code")
			e.Int(http.StatusMethodNotAllowed)
			str(e, "message", "method not allowed")
			e.ObjEnd()
		})
	})
	h.Mount(r)
	return r
}
