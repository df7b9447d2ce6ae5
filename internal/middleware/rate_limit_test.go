package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/stepguard/internal/auth"
	"github.com/BradenHooton/stepguard/internal/loginflow"
	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func withFlowUser(req *http.Request, userID string) *http.Request {
	flow := loginflow.Flow{State: loginflow.StateSuccess, UserID: userID}
	return req.WithContext(context.WithValue(req.Context(), auth.FlowContextKey, flow))
}

// TestRateLimitByIP_Returns429AfterLimit verifies HTTP 429 response format
func TestRateLimitByIP_Returns429AfterLimit(t *testing.T) {
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 1})(okHandler())

	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("first request failed with status %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", recorder.Code)
	}

	if contentType := recorder.Header().Get("Content-Type"); contentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", contentType)
	}

	body := recorder.Body.String()
	if body != "{\"error\":\"rate_limit_exceeded\",\"message\":\"Too many requests\"}\n" {
		t.Errorf("unexpected response body: %s", body)
	}
}

// TestRateLimitByUser_IsolatesUserBuckets verifies separate limits per user
func TestRateLimitByUser_IsolatesUserBuckets(t *testing.T) {
	handler := RateLimitByUser(RateLimitConfig{RequestsPerMinute: 3})(okHandler())

	for i := 0; i < 3; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, withFlowUser(httptest.NewRequest("GET", "/test", nil), "user-a"))
		if recorder.Code != http.StatusOK {
			t.Errorf("user A request %d failed", i+1)
		}
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, withFlowUser(httptest.NewRequest("GET", "/test", nil), "user-a"))
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("user A should be limited, got status %d", recorder.Code)
	}

	// Same client IP, different user
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, withFlowUser(httptest.NewRequest("GET", "/test", nil), "user-b"))
	if recorder.Code != http.StatusOK {
		t.Errorf("user B should have independent rate limit, got status %d", recorder.Code)
	}
}

// TestRateLimitByUser_FallbackToIP verifies requests without a flow are keyed by IP
func TestRateLimitByUser_FallbackToIP(t *testing.T) {
	handler := RateLimitByUser(RateLimitConfig{RequestsPerMinute: 1})(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:8080"

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", recorder.Code)
	}

	other := httptest.NewRequest("GET", "/test", nil)
	other.RemoteAddr = "192.168.1.2:8080"
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)
	if recorder.Code != http.StatusOK {
		t.Errorf("different IP should not be limited, got %d", recorder.Code)
	}
}

// TestRateLimitByIP_IgnoresSpoofedForwardedFor verifies an untrusted peer
// cannot rotate buckets by rewriting X-Forwarded-For
func TestRateLimitByIP_IgnoresSpoofedForwardedFor(t *testing.T) {
	ipConfig, err := pkghttp.NewIPConfig([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewIPConfig() = %v", err)
	}
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 1, IPConfig: ipConfig})(okHandler())

	send := func(remote, xff string) int {
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", xff)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		return recorder.Code
	}

	if code := send("203.0.113.7:5555", "1.1.1.1"); code != http.StatusOK {
		t.Fatalf("first request got %d", code)
	}
	if code := send("203.0.113.7:5555", "2.2.2.2"); code != http.StatusTooManyRequests {
		t.Errorf("spoofed header should share the bucket, got %d", code)
	}

	// Behind a trusted proxy the forwarded client is the key
	if code := send("10.0.0.5:5555", "198.51.100.1"); code != http.StatusOK {
		t.Errorf("first forwarded client got %d", code)
	}
	if code := send("10.0.0.5:5555", "198.51.100.2"); code != http.StatusOK {
		t.Errorf("second forwarded client should have its own bucket, got %d", code)
	}
}
