package api

import (
	"net/http"
	"strings"
)

// AuthMiddleware guards the admin routes with a shared token, accepted
// either as a Bearer header or a ?token= query parameter. An empty token
// disables the check entirely.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			// query param, for curl and browser sessions
			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				if strings.TrimPrefix(header, "Bearer ") == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
