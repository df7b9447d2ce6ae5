package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/BradenHooton/stepguard/internal/loginflow"
	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// FlowContextKey is the key for storing a completed flow in context
	FlowContextKey contextKey = "flow"
)

// RequireCompletedFlow accepts only bearer flow tokens that reached SUCCESS
func RequireCompletedFlow(tm *FlowTokenManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				pkghttp.WriteUnauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				pkghttp.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			flow, err := tm.Parse(parts[1])
			if err != nil {
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			if flow.State != loginflow.StateSuccess {
				pkghttp.WriteUnauthorized(w, "login not completed")
				return
			}

			ctx := context.WithValue(r.Context(), FlowContextKey, flow)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole enforces the role recorded in the completed flow
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flow, ok := GetFlowFromContext(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			if flow.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetFlowFromContext extracts the completed flow from request context
func GetFlowFromContext(r *http.Request) (loginflow.Flow, bool) {
	flow, ok := r.Context().Value(FlowContextKey).(loginflow.Flow)
	return flow, ok
}
