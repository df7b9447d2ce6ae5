package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/stepguard/internal/auth"
	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	// IPConfig decides when forwarding headers are honored. Nil keys on the
	// direct peer address.
	IPConfig *pkghttp.IPConfig
}

// DefaultAuthRateLimit returns default rate limit config for login endpoints (20 requests per minute)
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(keyByClientIP(config.IPConfig)),
		httprate.WithLimitHandler(writeRateLimited),
	)
}

// RateLimitByUser rate limits by the user of a completed login flow, falling
// back to the client IP. Must run after auth.RequireCompletedFlow.
func RateLimitByUser(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(keyByFlowUser(config.IPConfig)),
		httprate.WithLimitHandler(writeRateLimited),
	)
}

func keyByClientIP(ipConfig *pkghttp.IPConfig) httprate.KeyFunc {
	return func(r *http.Request) (string, error) {
		return pkghttp.ExtractClientIP(r, ipConfig), nil
	}
}

func keyByFlowUser(ipConfig *pkghttp.IPConfig) httprate.KeyFunc {
	return func(r *http.Request) (string, error) {
		if flow, ok := auth.GetFlowFromContext(r); ok && flow.UserID != "" {
			return "user:" + flow.UserID, nil
		}
		return "ip:" + pkghttp.ExtractClientIP(r, ipConfig), nil
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteTooManyRequests(w, "Too many requests")
}
