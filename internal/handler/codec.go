package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/domain/coupon"
	"github.com/xenking/cricket-kart/internal/domain/order"
	"github.com/xenking/cricket-kart/internal/payment"
	"github.com/xenking/cricket-kart/internal/shipping"
)

const maxBodyBytes = 1 << 20

var errBadBody = apperr.New(apperr.Validation, "invalid request body")

// decodeObject reads a JSON object from the request body and calls field for
// each key. Unknown keys must be skipped by field.
func decodeObject(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return errBadBody
	}
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return errBadBody
	}
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	}); err != nil {
		if apperr.KindOf(err) == apperr.Validation {
			return err
		}
		return errBadBody
	}
	return nil
}

func fieldError(name string) error {
	return apperr.New(apperr.Validation, "invalid field "+name)
}

// readDecimal accepts a JSON number or a numeric string.
func readDecimal(d *jx.Decoder, name string) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, fieldError(name)
		}
		raw = n.String()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, fieldError(name)
		}
		raw = s
	default:
		return decimal.Decimal{}, fieldError(name)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fieldError(name)
	}
	return v, nil
}

func readString(d *jx.Decoder, name string) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return "", fieldError(name)
	}
	return s, nil
}

func readTime(d *jx.Decoder, name string) (time.Time, error) {
	s, err := readString(d, name)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fieldError(name)
}

func readInt(d *jx.Decoder, name string) (int, error) {
	n, err := d.Int()
	if err != nil {
		return 0, fieldError(name)
	}
	return n, nil
}

// readLimit reads maxUses: null means unlimited.
func readLimit(d *jx.Decoder) (coupon.Limit, error) {
	if d.Next() == jx.Null {
		return coupon.Unlimited(), d.Null()
	}
	n, err := readInt(d, "maxUses")
	if err != nil {
		return coupon.Limit{}, err
	}
	return coupon.MaxUses(n), nil
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func money(e *jx.Encoder, name string, v decimal.Decimal) {
	e.FieldStart(name)
	e.RawStr(v.StringFixed(2))
}

func str(e *jx.Encoder, name, v string) {
	e.FieldStart(name)
	e.Str(v)
}

func optStr(e *jx.Encoder, name, v string) {
	e.FieldStart(name)
	if v == "" {
		e.Null()
		return
	}
	e.Str(v)
}

func timestamp(e *jx.Encoder, name string, t time.Time) {
	e.FieldStart(name)
	e.Str(t.UTC().Format(time.RFC3339))
}

// encodeCoupon writes the storefront view of c. Admin views add the
// redemption bookkeeping.
func encodeCoupon(e *jx.Encoder, c *coupon.Coupon, admin bool) {
	e.ObjStart()
	str(e, "code", c.Code)
	str(e, "discountType", string(c.Kind))
	money(e, "discountValue", c.Value)
	money(e, "minPurchaseAmount", c.MinPurchase)
	timestamp(e, "expiryDate", c.ExpiresAt)
	if admin {
		e.FieldStart("maxUses")
		if n, ok := c.Limit.Max(); ok {
			e.Int(n)
		} else {
			e.Null()
		}
		e.FieldStart("usedCount")
		e.Int(c.UsedCount)
		e.FieldStart("isActive")
		e.Bool(c.Active)
		timestamp(e, "createdAt", c.CreatedAt)
	}
	e.ObjEnd()
}

func encodeRedemption(e *jx.Encoder, r *coupon.Redemption) {
	e.ObjStart()
	str(e, "code", r.Coupon.Code)
	str(e, "discountType", string(r.Coupon.Kind))
	money(e, "discountValue", r.Coupon.Value)
	money(e, "discountAmount", r.Discount)
	money(e, "finalAmount", r.Final)
	e.ObjEnd()
}

func encodeAddress(e *jx.Encoder, a order.Address) {
	e.ObjStart()
	str(e, "name", a.Name)
	str(e, "line1", a.Line1)
	str(e, "line2", a.Line2)
	str(e, "city", a.City)
	str(e, "state", a.State)
	str(e, "postalCode", a.PostalCode)
	str(e, "country", a.Country)
	str(e, "phone", a.Phone)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	str(e, "id", o.ID)
	str(e, "customerId", o.CustomerID)
	e.FieldStart("items")
	e.ArrStart()
	for _, li := range o.Items {
		e.ObjStart()
		str(e, "productId", li.ProductID)
		str(e, "name", li.Name)
		e.FieldStart("quantity")
		e.Int(li.Quantity)
		money(e, "unitPrice", li.UnitPrice)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("shippingAddress")
	encodeAddress(e, o.ShippingAddress)
	str(e, "paymentMethod", string(o.PaymentMethod))
	e.FieldStart("coupon")
	if c := o.Coupon; c != nil {
		e.ObjStart()
		str(e, "code", c.Code)
		str(e, "discountType", string(c.Kind))
		money(e, "discountValue", c.Value)
		e.ObjEnd()
	} else {
		e.Null()
	}
	money(e, "subtotal", o.Subtotal)
	money(e, "discount", o.Discount)
	money(e, "total", o.Total)
	str(e, "currency", o.Currency)
	str(e, "status", string(o.Fulfillment))
	str(e, "paymentStatus", string(o.Payment))
	optStr(e, "intentId", o.IntentID)
	optStr(e, "paymentId", o.PaymentID)
	optStr(e, "shipmentRef", o.ShipmentRef)
	timestamp(e, "createdAt", o.CreatedAt)
	timestamp(e, "updatedAt", o.UpdatedAt)
	e.ObjEnd()
}

func encodeOrders(e *jx.Encoder, orders []order.Order) {
	e.ArrStart()
	for i := range orders {
		encodeOrder(e, &orders[i])
	}
	e.ArrEnd()
}

// encodeIntent writes what a client needs to open the gateway's payment
// sheet.
func encodeIntent(e *jx.Encoder, in *payment.Intent, keyID string) {
	e.ObjStart()
	str(e, "intentId", in.ID)
	e.FieldStart("amount")
	e.Int64(in.Amount)
	str(e, "currency", in.Currency)
	str(e, "status", in.Status)
	if keyID != "" {
		str(e, "keyId", keyID)
	}
	e.ObjEnd()
}

func encodeTracking(e *jx.Encoder, t *shipping.Tracking) {
	e.ObjStart()
	str(e, "shipmentRef", t.ShipmentRef)
	str(e, "status", t.Status)
	str(e, "awb", t.AWB)
	str(e, "courier", t.Courier)
	e.FieldStart("activities")
	e.ArrStart()
	for _, a := range t.Activities {
		e.ObjStart()
		str(e, "date", a.Date)
		str(e, "status", a.Status)
		str(e, "location", a.Location)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func skipUnknown(d *jx.Decoder) error {
	if err := d.Skip(); err != nil {
		return errors.Wrap(err, "skip field")
	}
	return nil
}
