package signals

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ipAPIServer(t *testing.T, resp map[string]interface{}, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		assert.Contains(t, r.URL.RawQuery, "fields=")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestIPIntel(baseURL string, cache ResultCache) *IPIntelligence {
	return NewIPIntelligence(
		IPIntelConfig{BaseURL: baseURL, Timeout: 500 * time.Millisecond},
		nil, cache, DefaultKeywords(), quietLogger(),
	)
}

func TestIPIntelLookup_ParsesProviderResponse(t *testing.T) {
	srv := ipAPIServer(t, map[string]interface{}{
		"status": "success", "country": "Germany", "countryCode": "DE",
		"city": "Frankfurt", "regionName": "Hesse", "lat": 50.11, "lon": 8.68,
		"isp": "Deutsche Telekom AG", "org": "DTAG", "as": "AS3320",
		"proxy": false, "hosting": false, "query": "80.130.1.1",
	}, nil)
	s := newTestIPIntel(srv.URL, nil)

	result := s.Lookup(context.Background(), "80.130.1.1")

	assert.True(t, result.Available)
	assert.Equal(t, "DE", result.CountryCode)
	assert.Equal(t, "Frankfurt", result.City)
	assert.InDelta(t, 50.11, result.Latitude, 0.001)
	assert.False(t, result.Proxy)
	assert.False(t, result.VPN)
	assert.Equal(t, ThreatNone, result.ThreatTier)
}

func TestIPIntelLookup_ThreatTiers(t *testing.T) {
	tests := []struct {
		name    string
		isp     string
		proxy   bool
		hosting bool
		tier    ThreatTier
		vpn     bool
	}{
		{"proxy and vpn", "NordVPN Services", true, false, ThreatHigh, true},
		{"vpn keyword only", "Mullvad VPN AB", false, false, ThreatMedium, true},
		{"proxy only", "Residential ISP", true, false, ThreatMedium, false},
		{"hosting flag", "Residential ISP", false, true, ThreatLow, false},
		{"hosting keyword", "DigitalOcean, LLC", false, false, ThreatLow, false},
		{"clean", "Comcast Cable", false, false, ThreatNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ipAPIServer(t, map[string]interface{}{
				"status": "success", "isp": tt.isp, "org": tt.isp,
				"proxy": tt.proxy, "hosting": tt.hosting,
			}, nil)
			s := newTestIPIntel(srv.URL, nil)

			result := s.Lookup(context.Background(), "203.0.113.9")

			assert.Equal(t, tt.tier, result.ThreatTier)
			assert.Equal(t, tt.vpn, result.VPN)
		})
	}
}

func TestIPIntelLookup_PrivateAddressesShortCircuit(t *testing.T) {
	var hits int32
	srv := ipAPIServer(t, map[string]interface{}{"status": "success", "proxy": true}, &hits)
	s := newTestIPIntel(srv.URL, nil)

	for _, ip := range []string{"10.1.2.3", "192.168.0.10", "172.16.5.4", "127.0.0.1", "::1", "fe80::1", "0.0.0.0", "not-an-ip"} {
		result := s.Lookup(context.Background(), ip)
		assert.False(t, result.Available, ip)
		assert.Equal(t, ThreatNone, result.ThreatTier, ip)
	}

	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestIPIntelLookup_FailOpen(t *testing.T) {
	t.Run("provider error status", func(t *testing.T) {
		srv := ipAPIServer(t, map[string]interface{}{"status": "fail", "message": "reserved range"}, nil)
		result := newTestIPIntel(srv.URL, nil).Lookup(context.Background(), "203.0.113.9")
		assert.False(t, result.Available)
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()
		result := newTestIPIntel(srv.URL, nil).Lookup(context.Background(), "203.0.113.9")
		assert.False(t, result.Available)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}))
		defer srv.Close()
		result := newTestIPIntel(srv.URL, nil).Lookup(context.Background(), "203.0.113.9")
		assert.False(t, result.Available)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
		}))
		defer srv.Close()

		start := time.Now()
		result := newTestIPIntel(srv.URL, nil).Lookup(context.Background(), "203.0.113.9")

		assert.False(t, result.Available)
		assert.Less(t, time.Since(start), 1500*time.Millisecond)
	})
}

func TestIPIntelLookup_CachesSuccessfulResults(t *testing.T) {
	var hits int32
	srv := ipAPIServer(t, map[string]interface{}{"status": "success", "isp": "Comcast"}, &hits)
	s := newTestIPIntel(srv.URL, NewMemoryCache(time.Hour))

	first := s.Lookup(context.Background(), "203.0.113.9")
	second := s.Lookup(context.Background(), "203.0.113.9")

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestKeywords_Match(t *testing.T) {
	kw := DefaultKeywords()

	assert.True(t, kw.matchVPN("ExpressVPN International"))
	assert.True(t, kw.matchHosting("Hetzner Online GmbH"))
	assert.False(t, kw.matchVPN("Vodafone GmbH", ""))
	assert.False(t, kw.matchHosting(strings.Repeat(" ", 3)))
}
