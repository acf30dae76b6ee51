// Package shipping notifies the carrier aggregator about paid orders and
// relays tracking information. The carrier login token is cached and
// refreshed through a single flight.
package shipping

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/domain/order"
)

// DefaultBaseURL is the Shiprocket API endpoint.
const DefaultBaseURL = "https://apiv2.shiprocket.in"

const maxResponseBytes = 1 << 20

var errUnauthorized = errors.New("carrier token rejected")

// Package describes the default parcel dimensions sent with shipments.
type Package struct {
	LengthCM  float64
	BreadthCM float64
	HeightCM  float64
	WeightKG  float64
}

// Config holds the carrier credentials and shipment defaults.
type Config struct {
	BaseURL        string
	Email          string
	Password       string
	TokenTTL       time.Duration
	Timeout        time.Duration
	PickupLocation string
	Package        Package
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the round tripper wrapped by the client's
// instrumentation.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithOTelOptions passes options to the otelhttp transport.
func WithOTelOptions(opts ...otelhttp.Option) Option {
	return func(c *Client) { c.otelOpts = append(c.otelOpts, opts...) }
}

// Client talks to the carrier aggregator.
type Client struct {
	cfg       Config
	baseURL   string
	transport http.RoundTripper
	otelOpts  []otelhttp.Option
	http      *http.Client
	now       func() time.Time

	logins singleflight.Group

	mu      sync.RWMutex
	token   string
	expires time.Time
}

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, errors.New("shipping: email and password are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PickupLocation == "" {
		cfg.PickupLocation = "Primary"
	}
	if cfg.Package == (Package{}) {
		cfg.Package = Package{LengthCM: 90, BreadthCM: 15, HeightCM: 10, WeightKG: 1.5}
	}

	c := &Client{
		cfg:       cfg,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		transport: http.DefaultTransport,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.http = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(c.transport, c.otelOpts...),
	}
	return c, nil
}

// authToken returns a valid login token, logging in when the cached one is
// absent or expired. Concurrent callers share one login request.
func (c *Client) authToken(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}

	ch := c.logins.DoChan("login", func() (any, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		// Detached from the first caller so its cancellation doesn't fail
		// every waiter.
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		tok, err := c.login(loginCtx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expires = c.now().Add(c.cfg.TokenTTL)
		c.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", apperr.Wrap(ctx.Err(), apperr.ExternalService, "shipping service unavailable")
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !c.now().Before(c.expires) {
		return "", false
	}
	return c.token, true
}

func (c *Client) invalidate(tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == tok {
		c.token = ""
	}
}

func (c *Client) login(ctx context.Context) (string, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("email")
	e.Str(c.cfg.Email)
	e.FieldStart("password")
	e.Str(c.cfg.Password)
	e.ObjEnd()

	data, err := c.do(ctx, http.MethodPost, "/v1/external/auth/login", "", e.Bytes())
	if err != nil {
		return "", errors.Wrap(err, "login")
	}

	var tok string
	if err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "token" {
			return d.Skip()
		}
		v, err := d.Str()
		tok = v
		return err
	}); err != nil {
		return "", apperr.Wrap(err, apperr.ExternalService, "malformed shipping login response")
	}
	if tok == "" {
		return "", apperr.New(apperr.ExternalService, "shipping login returned no token")
	}
	return tok, nil
}

// authorized performs an authenticated call, logging in again once if the
// carrier rejects the cached token.
func (c *Client) authorized(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.authToken(ctx)
		if err != nil {
			return nil, err
		}
		data, err := c.do(ctx, method, path, tok, body)
		if errors.Is(err, errUnauthorized) && attempt == 0 {
			c.invalidate(tok)
			continue
		}
		return data, err
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ExternalService, "shipping service unavailable")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ExternalService, "shipping service unavailable")
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized && token != "":
		return nil, apperr.Wrap(errUnauthorized, apperr.ExternalService, "shipping service rejected credentials")
	case resp.StatusCode >= 300:
		return nil, apperr.Wrap(errors.Errorf("status %d", resp.StatusCode), apperr.ExternalService, "shipping service unavailable")
	}
	return data, nil
}

// CreateShipment registers a paid order with the carrier aggregator and
// returns the shipment reference.
func (c *Client) CreateShipment(ctx context.Context, o *order.Order) (string, error) {
	data, err := c.authorized(ctx, http.MethodPost, "/v1/external/orders/create/adhoc", c.encodeShipment(o))
	if err != nil {
		return "", errors.Wrap(err, "create shipment")
	}

	var ref string
	if err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "shipment_id" {
			return d.Skip()
		}
		// Returned as a number, older accounts get a string.
		switch d.Next() {
		case jx.Number:
			n, err := d.Int64()
			ref = strconv.FormatInt(n, 10)
			return err
		case jx.String:
			v, err := d.Str()
			ref = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return "", apperr.Wrap(err, apperr.ExternalService, "malformed shipment response")
	}
	if ref == "" {
		return "", apperr.New(apperr.ExternalService, "shipping service returned no shipment id")
	}
	return ref, nil
}

func (c *Client) encodeShipment(o *order.Order) []byte {
	a := o.ShippingAddress
	method := "Prepaid"
	if o.PaymentMethod == order.MethodCOD {
		method = "COD"
	}
	address := a.Line1
	if a.Line2 != "" {
		address += ", " + a.Line2
	}

	var e jx.Encoder
	e.ObjStart()
	str := func(k, v string) {
		e.FieldStart(k)
		e.Str(v)
	}
	num := func(k, v string) {
		e.FieldStart(k)
		e.RawStr(v)
	}
	str("order_id", o.ID)
	str("order_date", o.CreatedAt.Format("2006-01-02 15:04"))
	str("pickup_location", c.cfg.PickupLocation)
	str("billing_customer_name", a.Name)
	str("billing_address", address)
	str("billing_city", a.City)
	str("billing_pincode", a.PostalCode)
	str("billing_state", a.State)
	str("billing_country", a.Country)
	str("billing_phone", a.Phone)
	e.FieldStart("shipping_is_billing")
	e.Bool(true)
	e.FieldStart("order_items")
	e.ArrStart()
	for _, item := range o.Items {
		e.ObjStart()
		str("name", item.Name)
		str("sku", item.ProductID)
		e.FieldStart("units")
		e.Int(item.Quantity)
		num("selling_price", item.UnitPrice.StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()
	str("payment_method", method)
	num("sub_total", o.Total.StringFixed(2))
	if !o.Discount.IsZero() {
		num("total_discount", o.Discount.StringFixed(2))
	}
	e.FieldStart("length")
	e.Float64(c.cfg.Package.LengthCM)
	e.FieldStart("breadth")
	e.Float64(c.cfg.Package.BreadthCM)
	e.FieldStart("height")
	e.Float64(c.cfg.Package.HeightCM)
	e.FieldStart("weight")
	e.Float64(c.cfg.Package.WeightKG)
	e.ObjEnd()
	return e.Bytes()
}

// Activity is one scan event of a shipment.
type Activity struct {
	Date     string
	Status   string
	Location string
}

// Tracking is the carrier's view of a shipment.
type Tracking struct {
	ShipmentRef string
	Status      string
	AWB         string
	Courier     string
	Activities  []Activity
}

// Track returns the tracking state of a shipment.
func (c *Client) Track(ctx context.Context, ref string) (*Tracking, error) {
	if ref == "" {
		return nil, apperr.New(apperr.NotFound, "order has not shipped yet")
	}
	path := "/v1/external/courier/track?" + url.Values{"shipment_id": {ref}}.Encode()
	data, err := c.authorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "track shipment")
	}

	t, err := decodeTracking(data)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ExternalService, "malformed tracking response")
	}
	t.ShipmentRef = ref
	return t, nil
}

func decodeTracking(data []byte) (*Tracking, error) {
	var t Tracking
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "tracking_data" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			switch string(key) {
			case "shipment_track":
				if d.Next() != jx.Array {
					return d.Skip()
				}
				return d.Arr(func(d *jx.Decoder) error {
					return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
						switch string(key) {
						case "current_status":
							return strField(d, &t.Status)
						case "awb_code":
							return strField(d, &t.AWB)
						case "courier_name":
							return strField(d, &t.Courier)
						default:
							return d.Skip()
						}
					})
				})
			case "shipment_track_activities":
				if d.Next() != jx.Array {
					return d.Skip()
				}
				return d.Arr(func(d *jx.Decoder) error {
					var a Activity
					err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
						switch string(key) {
						case "date":
							return strField(d, &a.Date)
						case "activity":
							return strField(d, &a.Status)
						case "location":
							return strField(d, &a.Location)
						default:
							return d.Skip()
						}
					})
					t.Activities = append(t.Activities, a)
					return err
				})
			default:
				return d.Skip()
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// strField reads a string, tolerating null and numbers.
func strField(d *jx.Decoder, dst *string) error {
	switch d.Next() {
	case jx.String:
		v, err := d.Str()
		*dst = v
		return err
	case jx.Number:
		n, err := d.Num()
		*dst = n.String()
		return err
	default:
		return d.Skip()
	}
}
