package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const keyInfoKey contextKey = "keyInfo"

// KeyInfo identifies the authenticated API key.
type KeyInfo struct {
	ID string
}

// Middleware validates Bearer keys against a hashed allow-list. Raw keys
// are never retained.
type Middleware struct {
	hashes [][]byte
}

func NewMiddleware(keys []string) *Middleware {
	m := &Middleware{}
	for _, k := range keys {
		h := sha256.Sum256([]byte(strings.TrimSpace(k)))
		m.hashes = append(m.hashes, h[:])
	}
	return m
}

// Authenticate rejects requests without a configured key.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_required", "missing API key")
			return
		}

		info, ok := m.validate(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication_required", "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), keyInfoKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) validate(token string) (*KeyInfo, bool) {
	h := sha256.Sum256([]byte(token))
	for i, known := range m.hashes {
		if subtle.ConstantTimeCompare(h[:], known) == 1 {
			return &KeyInfo{ID: fmt.Sprintf("key-%d", i)}, true
		}
	}
	return nil, false
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// GetKeyInfo returns the authenticated key attached by the middleware.
func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(keyInfoKey).(*KeyInfo)
	return v
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":%q,"message":%q}}`, errType, msg)
}
