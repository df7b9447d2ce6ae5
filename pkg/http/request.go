package http

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig holds the proxies allowed to set forwarding headers
type IPConfig struct {
	trusted []netip.Prefix
}

// NewIPConfig parses trusted proxy ranges. A bare address is treated as a
// single-host range.
func NewIPConfig(proxies []string) (*IPConfig, error) {
	config := &IPConfig{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if !strings.Contains(p, "/") {
			addr, err := netip.ParseAddr(p)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
			}
			addr = addr.Unmap()
			config.trusted = append(config.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}

		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		config.trusted = append(config.trusted, prefix.Masked())
	}
	return config, nil
}

// Trusts reports whether addr is inside a trusted proxy range
func (c *IPConfig) Trusts(addr netip.Addr) bool {
	if c == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the address risk signals are computed against.
// Forwarding headers are read only when the direct peer is a trusted proxy.
// X-Forwarded-For is walked from the right and the first hop that is not
// itself a trusted proxy wins, so values prepended by the client are ignored.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote, ok := remoteAddr(r)
	if !ok {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}

	if !config.Trusts(remote) {
		return remote.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if addr, ok := rightmostUntrusted(xff, config); ok {
			return addr.String()
		}
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}

	return remote.String()
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// rightmostUntrusted walks the hop list backwards. When every hop is a
// trusted proxy the leftmost valid hop is returned.
func rightmostUntrusted(xff string, config *IPConfig) (netip.Addr, bool) {
	hops := strings.Split(xff, ",")

	var leftmost netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A malformed hop ends the chain we can vouch for
			break
		}
		addr = addr.Unmap()
		if !config.Trusts(addr) {
			return addr, true
		}
		leftmost = addr
	}

	return leftmost, leftmost.IsValid()
}
