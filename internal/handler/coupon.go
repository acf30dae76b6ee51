package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/domain/coupon"
)

var errTotalAmountRequired = apperr.New(apperr.Validation, "totalAmount is required")

func (h *Handler) getCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.coupons.Lookup(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCoupon(e, c, false) })
}

// applyCoupon previews a coupon against a cart total. It does not consume a
// redemption; that happens when the order is placed.
func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var (
		total decimal.Decimal
		seen  bool
	)
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "totalAmount" {
			return skipUnknown(d)
		}
		v, err := readDecimal(d, key)
		total, seen = v, true
		return err
	})
	if err == nil && !seen {
		err = errTotalAmountRequired
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	red, err := h.coupons.Quote(r.Context(), chi.URLParam(r, "code"), total)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRedemption(e, red) })
}

func (h *Handler) listCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.coupons.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range coupons {
			encodeCoupon(e, &coupons[i], true)
		}
		e.ArrEnd()
	})
}

func (h *Handler) createCoupon(w http.ResponseWriter, r *http.Request) {
	// isActive defaults to true for new coupons.
	p := coupon.Params{Limit: coupon.Unlimited(), Active: true}
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			p.Code, err = readString(d, key)
		case "discountType":
			var kind string
			kind, err = readString(d, key)
			p.Kind = coupon.Kind(kind)
		case "discountValue":
			p.Value, err = readDecimal(d, key)
		case "minPurchaseAmount":
			p.MinPurchase, err = readDecimal(d, key)
		case "expiryDate":
			p.ExpiresAt, err = readTime(d, key)
		case "maxUses":
			p.Limit, err = readLimit(d)
		case "isActive":
			p.Active, err = d.Bool()
		default:
			err = skipUnknown(d)
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.coupons.Create(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeCoupon(e, c, true) })
}

func (h *Handler) updateCoupon(w http.ResponseWriter, r *http.Request) {
	var p coupon.Patch
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		switch key {
		case "discountType":
			s, err := readString(d, key)
			kind := coupon.Kind(s)
			p.Kind = &kind
			return err
		case "discountValue":
			v, err := readDecimal(d, key)
			p.Value = &v
			return err
		case "minPurchaseAmount":
			v, err := readDecimal(d, key)
			p.MinPurchase = &v
			return err
		case "expiryDate":
			t, err := readTime(d, key)
			p.ExpiresAt = &t
			return err
		case "maxUses":
			l, err := readLimit(d)
			p.Limit = &l
			return err
		case "isActive":
			b, err := d.Bool()
			p.Active = &b
			return err
		default:
			// usedCount and code are not editable.
			return skipUnknown(d)
		}
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.coupons.Update(r.Context(), chi.URLParam(r, "code"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCoupon(e, c, true) })
}

func (h *Handler) deactivateCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.Deactivate(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
