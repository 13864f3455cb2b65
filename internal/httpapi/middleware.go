package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/sentrygate/sentrygate/internal/authn"
)

type contextKey string

const claimsContextKey contextKey = "authn_claims"

// authenticated enforces bearer-token authentication, matching the
// teacher's middleware.AuthMiddleware strict fail-fast shape — missing
// header, malformed header, and an invalid token are all rejected
// before the wrapped handler ever runs. If no Issuer was configured,
// requests pass through unauthenticated.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.issuer == nil {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid Authorization format, expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := s.issuer.Validate(r.Context(), parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next(w, r.WithContext(ctx))
	})
}

func submitterFromContext(ctx context.Context) string {
	claims, ok := ctx.Value(claimsContextKey).(*authn.Claims)
	if !ok || claims == nil {
		return "anonymous"
	}
	return claims.TenantID
}

// corsMiddleware adapts the teacher's middleware.CORSMiddleware
// (control_plane/middleware/cors.go), generalized to answer each
// route's own allowed methods from routeMethods instead of advertising
// one fixed method list for the whole mux.
func corsMiddleware(next http.Handler, routeMethods map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods, ok := routeMethods[r.URL.Path]
		if !ok {
			methods = "GET, OPTIONS"
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// websocketUpgrader wraps gorilla/websocket.Upgrader so Server doesn't
// need to import it directly in server.go.
type websocketUpgrader struct {
	inner websocket.Upgrader
}

func (u *websocketUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return u.inner.Upgrade(w, r, nil)
}
