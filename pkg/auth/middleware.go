package auth

import (
	"net/http"
	"strings"
)

// Middleware enforces bearer-token authentication and injects the caller
// into the request context. When no secret is configured, requests pass
// through untouched.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := WithCaller(r.Context(), claims.WalletAddress, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
