// Package auth guards the administrative and assistant endpoints with a
// shared API key.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Header and query parameter carrying the API key.
const (
	HeaderName = "X-API-Key"
	QueryParam = "apiKey"
)

// KeyChecker compares presented keys against the configured key.
type KeyChecker struct {
	key []byte
}

// NewKeyChecker creates a KeyChecker for key. An empty key rejects everything.
func NewKeyChecker(key string) *KeyChecker {
	return &KeyChecker{key: []byte(key)}
}

// Valid reports whether presented matches the configured key. The comparison
// runs in constant time.
func (c *KeyChecker) Valid(presented string) bool {
	if len(c.key) == 0 || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), c.key) == 1
}

// ExtractKey returns the key from the X-API-Key header, an Authorization
// bearer token, or the apiKey query parameter, in that order.
func ExtractKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(HeaderName)); k != "" {
		return k
	}
	if k := extractBearerToken(r); k != "" {
		return k
	}
	return r.URL.Query().Get(QueryParam)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
