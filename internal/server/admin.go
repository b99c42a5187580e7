package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionTTL = 24 * time.Hour

// requireAdmin admits only requests carrying a session token minted by
// handleLogin.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenStr == "" {
			writeAdminError(w, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeAdminError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.Username != s.cfg.AdminUsername || !verifyPassword(req.Password, s.cfg.AdminPassword) {
		writeAdminError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Username,
		"exp": time.Now().Add(sessionTTL).Unix(),
	})
	tokenStr, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tokenStr,
		"expires_in": int(sessionTTL.Seconds()),
	})
}

// verifyPassword accepts the configured password either as plain text or as
// its hex-encoded SHA-256 digest.
func verifyPassword(input, stored string) bool {
	if subtle.ConstantTimeCompare([]byte(input), []byte(stored)) == 1 {
		return true
	}
	h := sha256.Sum256([]byte(input))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(h[:])), []byte(stored)) == 1
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeAdminError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
