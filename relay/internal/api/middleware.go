package api

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const addressKey contextKey = "address"

// authMiddleware accepts a bearer token in the Authorization header, or in
// the token query parameter for websocket clients that cannot set headers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = h[7:]
		}
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		address, err := s.auth.ValidateToken(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), addressKey, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func addressFromContext(ctx context.Context) string {
	address, _ := ctx.Value(addressKey).(string)
	return address
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
