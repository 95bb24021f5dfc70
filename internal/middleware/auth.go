// Package middleware holds the HTTP middleware chain: bearer-token auth,
// request logging and rate limiting.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/efox/shoplist/internal/identity"
)

// RequireAuth resolves the bearer token and populates the request context
// with the authenticated user. Requests without a valid session get 401.
func RequireAuth(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}

			user, err := provider.Verify(r.Context(), token)
			if err != nil || user == nil {
				unauthorized(w)
				return
			}

			ctx := identity.WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for WebSocket upgrades, where browsers
// cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
