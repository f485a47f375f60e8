package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig lists the proxies allowed to report a client address.
// Entries are CIDR prefixes or bare addresses; malformed entries are ignored.
type IPConfig struct {
	TrustedProxies []string
}

func (c *IPConfig) trusts(addr netip.Addr) bool {
	if c == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range c.TrustedProxies {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if single, err := netip.ParseAddr(entry); err == nil && single.Unmap() == addr {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the origin recorded for login attempts and rate limits.
//
// Forwarding headers are honoured only when the peer is a trusted proxy. The
// X-Forwarded-For chain is walked right to left and the first hop that is not
// itself a trusted proxy wins, so a client cannot prepend a fake address.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	peer := peerAddr(r)
	if !config.trusts(peer) {
		return peerString(r, peer)
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !config.trusts(hop) {
				return hop.Unmap().String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}

	return peerString(r, peer)
}

func peerAddr(r *http.Request) netip.Addr {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}

func peerString(r *http.Request, peer netip.Addr) string {
	switch {
	case peer.IsValid():
		return peer.Unmap().String()
	case r.RemoteAddr != "":
		return r.RemoteAddr
	default:
		return "unknown"
	}
}
