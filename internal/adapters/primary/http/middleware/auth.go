package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/lorrc/portal-sync/internal/auth"
	"github.com/lorrc/portal-sync/internal/infrastructure/logging"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// UserClaimsKey is the key used to store user claims in the request context.
const UserClaimsKey contextKey = "userClaims"

// TokenFromRequest returns the bearer token from the Authorization header, or
// the token query parameter used by websocket and polling clients.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// RequireScope validates the request token and checks it grants scope.
func RequireScope(tm *auth.TokenManager, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := TokenFromRequest(r)
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "Authentication token is required", "UNAUTHORIZED")
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid or expired token", "UNAUTHORIZED")
				return
			}
			if !claims.HasScope(scope) {
				writeAuthError(w, http.StatusForbidden, "Token does not grant "+scope, "FORBIDDEN")
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			ctx = logging.WithUserID(ctx, claims.UserID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by RequireScope.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserClaimsKey).(*auth.Claims)
	return claims, ok
}

func writeAuthError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `","code":"` + code + `"}`))
}
