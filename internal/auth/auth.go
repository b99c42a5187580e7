// Package auth gates the proxy endpoints behind the configured static token.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/mikage/codex-pool/internal/config"
)

// Middleware validates the static API token on proxy requests. Clients may
// send it as Authorization: Bearer or as x-api-key.
type Middleware struct {
	token string
}

func NewMiddleware(cfg *config.Config) *Middleware {
	return &Middleware{token: cfg.StaticToken}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":"%s","message":"%s"}}`, errType, msg)
}
