package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/cricket-kart/internal/checkout"
	"github.com/xenking/cricket-kart/internal/domain/apperr"
)

// verifyPayment accepts the gateway's settlement callback relayed by the
// client. Field names follow the gateway's checkout handler, with or without
// the gateway prefix.
func (h *Handler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var cb checkout.Callback
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "order_id", "razorpay_order_id":
			cb.OrderReference, err = readString(d, key)
		case "payment_id", "razorpay_payment_id":
			cb.PaymentID, err = readString(d, key)
		case "signature", "razorpay_signature":
			cb.Signature, err = readString(d, key)
		default:
			err = skipUnknown(d)
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.checkout.HandleCallback(r.Context(), cb)
	if err != nil {
		if apperr.KindOf(err) == apperr.Integrity {
			writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) {
				e.ObjStart()
				e.FieldStart("success")
				e.Bool(false)
				str(e, "message", apperr.PublicMessage(err))
				e.ObjEnd()
			})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("success")
		e.Bool(true)
		str(e, "orderId", o.ID)
		str(e, "paymentStatus", string(o.Payment))
		e.ObjEnd()
	})
}
