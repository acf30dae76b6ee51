// Package razorpay implements payment.Gateway over the Razorpay Orders API.
package razorpay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
	"github.com/xenking/cricket-kart/internal/payment"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.razorpay.com"

const maxResponseBytes = 1 << 20

// Config holds the gateway credentials and endpoint.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration
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

// Client creates orders (payment intents) on Razorpay.
type Client struct {
	baseURL   string
	keyID     string
	keySecret string
	transport http.RoundTripper
	otelOpts  []otelhttp.Option
	http      *http.Client
}

var _ payment.Gateway = (*Client)(nil)

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, errors.New("razorpay: key id and key secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		transport: http.DefaultTransport,
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

// CreateIntent creates a Razorpay order for exactly amountMinor paise.
// reference is sent as the receipt.
func (c *Client) CreateIntent(ctx context.Context, amountMinor int64, currency, reference string) (*payment.Intent, error) {
	if amountMinor <= 0 {
		return nil, apperr.New(apperr.Validation, "payment amount must be positive")
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(amountMinor)
	e.FieldStart("currency")
	e.Str(currency)
	e.FieldStart("receipt")
	e.Str(reference)
	e.ObjEnd()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(e.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ExternalService, "payment gateway unavailable")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ExternalService, "payment gateway unavailable")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperr.Wrap(errors.Errorf("status %d", resp.StatusCode), apperr.ExternalService, "payment gateway unavailable")
	case resp.StatusCode >= 400:
		return nil, &payment.RejectedError{Status: resp.StatusCode, Reason: decodeErrorDescription(data)}
	}

	intent, err := decodeOrder(data)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ExternalService, "malformed gateway response")
	}
	if intent.ID == "" {
		return nil, apperr.New(apperr.ExternalService, "gateway returned no order id")
	}
	if intent.Amount != amountMinor || !strings.EqualFold(intent.Currency, currency) {
		return nil, apperr.New(apperr.Integrity, "gateway amount does not match order total")
	}
	return intent, nil
}

func decodeOrder(data []byte) (*payment.Intent, error) {
	var intent payment.Intent
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			intent.ID, err = d.Str()
		case "amount":
			intent.Amount, err = d.Int64()
		case "currency":
			intent.Currency, err = d.Str()
		case "status":
			intent.Status, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode order")
	}
	return &intent, nil
}

// decodeErrorDescription extracts error.description from a Razorpay error
// body. It returns an empty string when the body has another shape.
func decodeErrorDescription(data []byte) string {
	var desc string
	_ = jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "error" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "description" {
				return d.Skip()
			}
			v, err := d.Str()
			desc = v
			return err
		})
	})
	return desc
}
