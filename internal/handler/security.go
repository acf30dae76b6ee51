package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/xenking/cricket-kart/internal/domain/auth"
)

// APIKeyHeader carries back-office API keys.
const APIKeyHeader = "api_key"

// TokenVerifier resolves a bearer token. *auth.Tokens implements it.
type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// KeyAuthenticator resolves an API key. *auth.KeyAuthenticator implements it.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, key string) (auth.Principal, error)
}

// Security resolves request credentials into an auth.Principal.
type Security struct {
	tokens TokenVerifier
	keys   KeyAuthenticator
}

// NewSecurity creates a Security. keys may be nil to disable API keys.
func NewSecurity(tokens TokenVerifier, keys KeyAuthenticator) *Security {
	return &Security{tokens: tokens, keys: keys}
}

// principal authenticates r. ok is false when r carries no credential at
// all; a present but invalid credential is an error.
func (s *Security) principal(r *http.Request) (p auth.Principal, ok bool, err error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || s.tokens == nil {
			return auth.Principal{}, false, auth.ErrUnauthenticated
		}
		p, err := s.tokens.Verify(strings.TrimSpace(token))
		return p, err == nil, err
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		if s.keys == nil {
			return auth.Principal{}, false, auth.ErrUnauthenticated
		}
		p, err := s.keys.Authenticate(r.Context(), key)
		return p, err == nil, err
	}
	return auth.Principal{}, false, nil
}

// Require rejects requests without a valid credential and stores the
// principal in the request context.
func (s *Security) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok, err := s.principal(r)
		if err == nil && !ok {
			err = auth.ErrUnauthenticated
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin is Require restricted to administrators.
func (s *Security) RequireAdmin(next http.Handler) http.Handler {
	return s.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.FromContext(r.Context())
		if err := p.RequireAdmin(); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
