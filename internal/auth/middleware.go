package auth

import (
	"context"
	"net/http"
)

type ctxKey struct{}

// WithUser stores the authenticated user id on ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the user id stored by Middleware, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware rejects requests without a valid Authorization header using
// onFail, and otherwise attaches the user id to the request context. An
// access_token query parameter stands in for a missing header.
func (m *Manager) Middleware(onFail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				// browsers cannot set headers on a WebSocket handshake
				if token := r.URL.Query().Get("access_token"); token != "" {
					header = bearerPrefix + token
				}
			}
			userID, err := m.Authenticate(header)
			if err != nil {
				onFail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}
