// Package payment is the boundary to the external payment processor: it
// creates payment intents and authenticates settlement callbacks.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
)

// ErrVerificationFailed is returned when a callback signature does not
// match. The message never includes the expected signature.
var ErrVerificationFailed = apperr.New(apperr.Integrity, "payment verification failed")

// Intent is a gateway reservation of an exact amount pending customer
// authorization.
type Intent struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
}

// Gateway creates payment intents on the remote processor.
type Gateway interface {
	// CreateIntent requests authorization capability for exactly amountMinor
	// minor units. reference is the local order id and is echoed back by
	// the gateway as the receipt.
	CreateIntent(ctx context.Context, amountMinor int64, currency, reference string) (*Intent, error)
}

// RejectedError is returned when the gateway refused a request. Repeating
// the same request will not succeed.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway rejected request: status %d", e.Status)
	}
	return fmt.Sprintf("gateway rejected request: status %d: %s", e.Status, e.Reason)
}

// ErrorKind implements apperr.Kinded.
func (e *RejectedError) ErrorKind() apperr.Kind { return apperr.ExternalService }

// Signer computes and verifies callback signatures: hex HMAC-SHA256 over
// "{orderReference}|{paymentID}" keyed with the gateway secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer with the shared gateway secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the signature the gateway would send for the pair.
func (s *Signer) Sign(orderReference, paymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(orderReference))
	mac.Write([]byte("|"))
	mac.Write([]byte(paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature authenticates the pair. The comparison
// runs in constant time.
func (s *Signer) Verify(orderReference, paymentID, signature string) bool {
	if orderReference == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := s.Sign(orderReference, paymentID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
