package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const ctxAdminKey contextKey = "admin"

// TokenValidator checks a bearer token and returns its subject and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (subject, role string, err error)
}

// AdminAuth lets a request through only with a valid bearer token carrying
// the given role. The token subject is put into the request context.
func AdminAuth(tokens TokenValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			subject, got, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if got != role {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAdmin(r.Context(), subject)))
		})
	}
}

// AdminFromCtx returns the authenticated operator name or "".
func AdminFromCtx(ctx context.Context) string {
	s, _ := ctx.Value(ctxAdminKey).(string)
	return s
}

// WithAdmin returns a context carrying the given operator name.
func WithAdmin(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxAdminKey, subject)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
