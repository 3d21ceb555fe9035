package server

import (
	"context"
	"net/http"
	"os"
	"strings"
)

type roleCtxKey struct{}

func withRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleCtxKey{}, role)
}

func currentRole(ctx context.Context) string {
	if v, ok := ctx.Value(roleCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// roleFromRequest trusts the X-Auth-Role header only when an upstream proxy
// is declared via TRUST_PROXY=1. Everyone else is a respondent.
func roleFromRequest(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") != "1" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.Header.Get("X-Auth-Role")))
}

func withRequestRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(withRole(r.Context(), roleFromRequest(r))))
	})
}
