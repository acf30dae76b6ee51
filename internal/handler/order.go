package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/cricket-kart/internal/checkout"
	"github.com/xenking/cricket-kart/internal/domain/order"
)

func decodeItems(d *jx.Decoder) ([]checkout.Item, error) {
	var items []checkout.Item
	err := d.Arr(func(d *jx.Decoder) error {
		var it checkout.Item
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "productId":
				it.ProductID, err = readString(d, "items.productId")
			case "quantity":
				it.Quantity, err = readInt(d, "items.quantity")
			default:
				err = skipUnknown(d)
			}
			return err
		}); err != nil {
			return err
		}
		items = append(items, it)
		return nil
	})
	return items, err
}

func decodeAddress(d *jx.Decoder) (order.Address, error) {
	var a order.Address
	fields := map[string]*string{
		"name":       &a.Name,
		"line1":      &a.Line1,
		"line2":      &a.Line2,
		"city":       &a.City,
		"state":      &a.State,
		"postalCode": &a.PostalCode,
		"country":    &a.Country,
		"phone":      &a.Phone,
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		dst, ok := fields[string(key)]
		if !ok {
			return skipUnknown(d)
		}
		v, err := readString(d, "shippingAddress."+string(key))
		*dst = v
		return err
	})
	return a, err
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			req.Items, err = decodeItems(d)
		case "shippingAddress":
			req.Address, err = decodeAddress(d)
		case "paymentMethod":
			var m string
			m, err = readString(d, key)
			req.Method = order.PaymentMethod(m)
		case "couponCode":
			req.CouponCode, err = readString(d, key)
		case "totalAmount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, derr := readDecimal(d, key)
			req.TotalAmount, err = &v, derr
		default:
			err = skipUnknown(d)
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.checkout.Checkout(r.Context(), principalFrom(r), req)
	if err != nil {
		var intentErr *checkout.IntentError
		if errors.As(err, &intentErr) {
			h.writeIntentError(w, r, intentErr)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { h.encodeResult(e, res) })
}

// writeIntentError reports an order that was stored but could not be
// submitted to the gateway. The order id lets the client retry the intent.
func (h *Handler) writeIntentError(w http.ResponseWriter, r *http.Request, err *checkout.IntentError) {
	zctx.From(r.Context()).Warn("Payment intent not created",
		zap.String("order_id", err.OrderID),
		zap.Error(err.Err),
	)
	writeJSON(w, http.StatusBadGateway, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(http.StatusBadGateway)
		str(e, "message", "payment gateway unavailable, retry payment for this order")
		str(e, "orderId", err.OrderID)
		e.ObjEnd()
	})
}

func (h *Handler) encodeResult(e *jx.Encoder, res *checkout.Result) {
	e.ObjStart()
	e.FieldStart("order")
	encodeOrder(e, res.Order)
	e.FieldStart("payment")
	if res.Intent != nil {
		encodeIntent(e, res.Intent, h.cfg.GatewayKeyID)
	} else {
		e.Null()
	}
	e.ObjEnd()
}

func (h *Handler) listMyOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListMine(r.Context(), principalFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrders(e, orders) })
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.View(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) retryIntent(w http.ResponseWriter, r *http.Request) {
	res, err := h.checkout.RetryIntent(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeResult(e, res) })
}

func (h *Handler) tracking(w http.ResponseWriter, r *http.Request) {
	t, err := h.checkout.Tracking(r.Context(), principalFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeTracking(e, t) })
}

func (h *Handler) listAllOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListAll(r.Context(), principalFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrders(e, orders) })
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var raw string
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return skipUnknown(d)
		}
		v, err := readString(d, key)
		raw = v
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	next, err := order.ParseFulfillmentStatus(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.AdvanceFulfillment(r.Context(), principalFrom(r), chi.URLParam(r, "id"), next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}
