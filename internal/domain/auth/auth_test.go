package auth

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeyRepo struct {
	byHash map[string]*APIKeyInfo
}

func (m *mockKeyRepo) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	k, ok := m.byHash[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return k, nil
}

func TestPrincipal_CanAccess(t *testing.T) {
	assert.True(t, Principal{Subject: "c1"}.CanAccess("c1"))
	assert.False(t, Principal{Subject: "c1"}.CanAccess("c2"))
	assert.False(t, Principal{}.CanAccess(""))
	assert.True(t, Principal{Subject: "ops", Admin: true}.CanAccess("c2"))

	require.ErrorIs(t, Principal{Subject: "c1"}.RequireAdmin(), ErrNotAuthorized)
	require.NoError(t, Principal{Admin: true}.RequireAdmin())
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Subject: "c1"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "c1", p.Subject)
}

func TestKeyAuthenticator(t *testing.T) {
	pepper := []byte("pepper")
	repo := &mockKeyRepo{byHash: map[string]*APIKeyInfo{
		HashKey(pepper, "admin-key"):  {ID: "1", KeyHash: HashKey(pepper, "admin-key"), Name: "ops-bot", Scopes: []string{ScopeAdmin}},
		HashKey(pepper, "reader-key"): {ID: "2", KeyHash: HashKey(pepper, "reader-key"), Name: "reader"},
	}}
	a := NewKeyAuthenticator(repo, pepper)
	ctx := context.Background()

	p, err := a.Authenticate(ctx, "admin-key")
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "ops-bot", Admin: true}, p)

	p, err = a.Authenticate(ctx, "reader-key")
	require.NoError(t, err)
	assert.False(t, p.Admin)

	for _, key := range []string{"", "unknown", "admin-key "} {
		_, err := a.Authenticate(ctx, key)
		require.ErrorIs(t, err, ErrUnauthenticated, "key %q", key)
	}

	_, err = NewKeyAuthenticator(repo, []byte("other")).Authenticate(ctx, "admin-key")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokens(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tokens := NewTokens([]byte("secret"), "kart", time.Hour)
	tokens.now = func() time.Time { return now }

	customer, err := tokens.Issue("cust-1", false)
	require.NoError(t, err)
	p, err := tokens.Verify(customer)
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "cust-1"}, p)

	admin, err := tokens.Issue("ops", true)
	require.NoError(t, err)
	p, err = tokens.Verify(admin)
	require.NoError(t, err)
	assert.True(t, p.Admin)

	t.Run("expired", func(t *testing.T) {
		late := NewTokens([]byte("secret"), "kart", time.Hour)
		late.now = func() time.Time { return now.Add(2 * time.Hour) }
		_, err := late.Verify(customer)
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokens([]byte("other"), "kart", time.Hour)
		other.now = tokens.now
		_, err := other.Verify(customer)
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewTokens([]byte("secret"), "elsewhere", time.Hour)
		other.now = tokens.now
		_, err := other.Verify(customer)
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject:   "cust-1",
			Issuer:    "kart",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = tokens.Verify(unsigned)
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tokens.Verify("not-a-token")
		require.ErrorIs(t, err, ErrUnauthenticated)
	})
}
