// Package reqauth resolves the bearer token on every inbound request into
// an identity.User and carries it on the request context, the one place
// every handler package reads the acting user from.
package reqauth

import (
	"context"
	"net/http"
	"strings"

	"github.com/fieldledger/expensecore/internal/identity"
)

type contextKey int

const userContextKey contextKey = 0

// Validator is the slice of *identity.Gate this middleware depends on.
type Validator interface {
	ValidateToken(tokenString string) (identity.User, error)
}

// Middleware extracts the bearer token, validates it via gate, and stores
// the resolved user on the request context. A missing or invalid token
// fails the request here rather than leaving it to each handler.
func Middleware(gate Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, `{"error_kind":"unauthenticated","message":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			user, err := gate.ValidateToken(token)
			if err != nil {
				http.Error(w, `{"error_kind":"unauthenticated","message":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the user Middleware attached, if any.
func UserFromContext(ctx context.Context) (identity.User, bool) {
	user, ok := ctx.Value(userContextKey).(identity.User)
	return user, ok
}
