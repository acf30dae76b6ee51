package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
)

// APIKeyInfo holds the identity and permission data for a stored API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex HMAC-SHA256 of key under pepper, as stored in the
// api_keys table.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyAuthenticator authenticates back-office automation by API key.
type KeyAuthenticator struct {
	keys   Repository
	pepper []byte
}

// NewKeyAuthenticator creates a KeyAuthenticator with the given key
// repository and HMAC pepper.
func NewKeyAuthenticator(keys Repository, pepper []byte) *KeyAuthenticator {
	return &KeyAuthenticator{keys: keys, pepper: pepper}
}

// Authenticate hashes key, looks it up and compares the stored hash in
// constant time.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, key string) (Principal, error) {
	if key == "" {
		return Principal{}, ErrUnauthenticated
	}
	mac := hmac.New(sha256.New, a.pepper)
	mac.Write([]byte(key))
	hash := mac.Sum(nil)

	info, err := a.keys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}

	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
		return Principal{}, ErrUnauthenticated
	}

	return Principal{
		Subject: info.Name,
		Admin:   slices.Contains(info.Scopes, ScopeAdmin),
	}, nil
}
