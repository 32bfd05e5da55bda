package handlers

import (
	"net/http"
	"strings"
)

// RequireToken guards /api routes when an access token is configured.
// The PIN lock screen is enforced client-side; this shim exists for
// installs that expose the daemon through a tunnel. An empty token
// disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			authz := r.Header.Get("Authorization")
			if strings.TrimPrefix(authz, "Bearer ") == token {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "Missing or invalid token")
		})
	}
}
