package auth

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// NormalizeIP parses a client address into a canonical netip.Addr. It strips
// brackets, a trailing port, and a zone identifier, and unmaps IPv4-mapped
// IPv6 (::ffff:a.b.c.d) so the same host compares equal in either notation.
func NormalizeIP(raw string) (netip.Addr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return netip.Addr{}, fmt.Errorf("empty address")
	}

	if strings.HasPrefix(s, "[") {
		// Bracketed IPv6, possibly with a port.
		if ap, err := netip.ParseAddrPort(s); err == nil {
			return canonical(ap.Addr()), nil
		}
		s = strings.TrimPrefix(s, "[")
		s = strings.TrimSuffix(s, "]")
	} else if strings.Count(s, ":") == 1 {
		// host:port with an IPv4 host.
		if ap, err := netip.ParseAddrPort(s); err == nil {
			return canonical(ap.Addr()), nil
		}
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address %q: %w", raw, err)
	}
	return canonical(addr), nil
}

func canonical(addr netip.Addr) netip.Addr {
	return addr.Unmap().WithZone("")
}

// ClientIP resolves the effective client address. With trustProxy set, the
// left-most X-Forwarded-For entry, or an RFC 7239 Forwarded for= value, wins
// over the socket peer.
func ClientIP(remoteAddr string, header http.Header, trustProxy bool) string {
	if trustProxy {
		if xff := header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if fwd := header.Get("Forwarded"); fwd != "" {
			if v := forwardedFor(fwd); v != "" {
				return v
			}
		}
	}
	return remoteAddr
}

// forwardedFor extracts the first for= value from a Forwarded header.
func forwardedFor(fwd string) string {
	first, _, _ := strings.Cut(fwd, ",")
	for _, part := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "for") {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"`)
	}
	return ""
}

// ipAllowed checks an address against verbatim IPs and CIDR ranges, all
// compared in binary form.
func ipAllowed(addr netip.Addr, ips, cidrs []string) bool {
	for _, raw := range ips {
		allowed, err := NormalizeIP(raw)
		if err != nil {
			continue
		}
		if allowed == addr {
			return true
		}
	}
	for _, raw := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if prefix.Masked().Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
