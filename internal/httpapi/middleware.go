package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/ledgerline/billingd/internal/store"
)

type contextKey struct{ name string }

var userContextKey = contextKey{"user"}

// userFromContext returns the authenticated user placed by requireAuth.
func userFromContext(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(userContextKey).(*store.User)
	return user, ok
}

// requireAuth validates the bearer access token and loads the current user
// into the request context. Soft-deleted accounts fail here even while
// their tokens are unexpired.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token", nil)
			return
		}

		user, err := s.auth.VerifyAccessToken(r.Context(), raw)
		if err != nil {
			respondServiceError(w, r, s.log, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
