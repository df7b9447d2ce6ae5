package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/BradenHooton/stepguard/internal/metrics"
)

// ThreatTier is a coarse classification of an address
type ThreatTier string

const (
	ThreatNone   ThreatTier = "NONE"
	ThreatLow    ThreatTier = "LOW"
	ThreatMedium ThreatTier = "MEDIUM"
	ThreatHigh   ThreatTier = "HIGH"
)

const ipAPIFields = "status,message,country,countryCode,city,regionName,lat,lon,isp,org,as,proxy,hosting,query"

// IPIntelResult describes what is known about an address. Available is
// false for the neutral "no signal" result.
type IPIntelResult struct {
	IP          string     `json:"ip"`
	Available   bool       `json:"available"`
	Proxy       bool       `json:"proxy"`
	VPN         bool       `json:"vpn"`
	Hosting     bool       `json:"hosting"`
	Country     string     `json:"country,omitempty"`
	CountryCode string     `json:"country_code,omitempty"`
	City        string     `json:"city,omitempty"`
	Region      string     `json:"region,omitempty"`
	Latitude    float64    `json:"lat,omitempty"`
	Longitude   float64    `json:"lon,omitempty"`
	ISP         string     `json:"isp,omitempty"`
	Org         string     `json:"org,omitempty"`
	ASN         string     `json:"asn,omitempty"`
	ThreatTier  ThreatTier `json:"threat_tier"`
}

// IPIntelConfig configures the provider lookup
type IPIntelConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultIPIntelConfig targets the ip-api.com JSON endpoint
func DefaultIPIntelConfig() IPIntelConfig {
	return IPIntelConfig{
		BaseURL: "http://ip-api.com/json",
		Timeout: 2500 * time.Millisecond,
	}
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	City        string  `json:"city"`
	Region      string  `json:"regionName"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
	Query       string  `json:"query"`
}

// IPIntelligence classifies client addresses. Every failure yields the
// neutral result so login is never blocked on the provider.
type IPIntelligence struct {
	cfg      IPIntelConfig
	client   *http.Client
	cache    ResultCache
	keywords Keywords
	logger   *slog.Logger
}

// NewIPIntelligence creates the provider client. cache may be nil.
func NewIPIntelligence(cfg IPIntelConfig, client *http.Client, cache ResultCache, keywords Keywords, logger *slog.Logger) *IPIntelligence {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2500 * time.Millisecond
	}
	return &IPIntelligence{
		cfg:      cfg,
		client:   client,
		cache:    cache,
		keywords: keywords,
		logger:   logger,
	}
}

// Lookup returns intelligence for ip. Private and loopback addresses return
// the neutral result without a network call.
func (s *IPIntelligence) Lookup(ctx context.Context, ip string) IPIntelResult {
	neutral := IPIntelResult{IP: ip, ThreatTier: ThreatNone}

	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || !isPublic(addr) {
		return neutral
	}
	key := addr.Unmap().String()
	neutral.IP = key

	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			return cached
		}
	}

	resp, err := s.query(ctx, key)
	if err != nil {
		metrics.SignalFailures.WithLabelValues("ip_intel").Inc()
		s.logger.Warn("ip intelligence lookup failed",
			slog.String("ip", key),
			slog.Any("error", err))
		return neutral
	}

	result := s.classify(key, resp)
	if s.cache != nil {
		s.cache.Set(ctx, key, result)
	}
	return result
}

func (s *IPIntelligence) query(ctx context.Context, ip string) (*ipAPIResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s?fields=%s", strings.TrimRight(s.cfg.BaseURL, "/"), ip, ipAPIFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("provider returned %q: %s", body.Status, body.Message)
	}
	return &body, nil
}

func (s *IPIntelligence) classify(ip string, r *ipAPIResponse) IPIntelResult {
	result := IPIntelResult{
		IP:          ip,
		Available:   true,
		Proxy:       r.Proxy,
		Hosting:     r.Hosting,
		Country:     r.Country,
		CountryCode: r.CountryCode,
		City:        r.City,
		Region:      r.Region,
		Latitude:    r.Lat,
		Longitude:   r.Lon,
		ISP:         r.ISP,
		Org:         r.Org,
		ASN:         r.AS,
	}

	result.VPN = s.keywords.matchVPN(r.ISP, r.Org, r.AS)
	if !result.Hosting {
		result.Hosting = s.keywords.matchHosting(r.ISP, r.Org)
	}
	result.ThreatTier = threatTier(result.Proxy, result.VPN, result.Hosting)
	return result
}

func threatTier(proxy, vpn, hosting bool) ThreatTier {
	switch {
	case proxy && vpn:
		return ThreatHigh
	case proxy || vpn:
		return ThreatMedium
	case hosting:
		return ThreatLow
	default:
		return ThreatNone
	}
}

func isPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}
