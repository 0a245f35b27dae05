package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ParseAdminToken validates a bearer token against the shared admin secret.
// Only HS256 is accepted.
func ParseAdminToken(token string, secret []byte) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// WithAdminAuth guards the admin route group with a bearer JWT.
func WithAdminAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				writeJSON(w, http.StatusServiceUnavailable, errEnvelope("admin auth not configured"))
				return
			}
			authz := r.Header.Get("Authorization")
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeJSON(w, http.StatusUnauthorized, errEnvelope("missing bearer token"))
				return
			}
			if _, err := ParseAdminToken(parts[1], secret); err != nil {
				writeJSON(w, http.StatusUnauthorized, errEnvelope("invalid token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
