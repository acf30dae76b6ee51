// Package auth resolves callers into principals and answers the
// owner-or-admin capability question at operation boundaries.
package auth

import (
	"context"

	"github.com/xenking/cricket-kart/internal/domain/apperr"
)

var (
	// ErrUnauthenticated is returned when no valid credential was presented.
	ErrUnauthenticated = apperr.New(apperr.Authorization, "not authenticated")
	// ErrNotAuthorized is returned when the caller lacks the capability.
	ErrNotAuthorized = apperr.New(apperr.Authorization, "not authorized")
)

// ScopeAdmin grants administrator capability to a credential.
const ScopeAdmin = "admin"

// Principal is an authenticated caller.
type Principal struct {
	// Subject is the customer id for customer tokens, or the key name for
	// API keys.
	Subject string
	Admin   bool
}

// CanAccess reports whether p may act on a resource owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	if p.Admin {
		return true
	}
	return p.Subject != "" && p.Subject == ownerID
}

// RequireAdmin returns ErrNotAuthorized unless p is an administrator.
func (p Principal) RequireAdmin() error {
	if !p.Admin {
		return ErrNotAuthorized
	}
	return nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
