package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// proxyMatcher matches trusted reverse proxies by address or prefix.
type proxyMatcher struct {
	prefixes []netip.Prefix
}

func newProxyMatcher(entries []string, logger *slog.Logger) *proxyMatcher {
	var prefixes []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid trusted proxy CIDR", "entry", entry, "error", err)
				continue
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid trusted proxy IP", "entry", entry)
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil
	}
	return &proxyMatcher{prefixes: prefixes}
}

func (m *proxyMatcher) trusted(addr netip.Addr) bool {
	if m == nil || !addr.IsValid() {
		return false
	}
	for _, prefix := range m.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	addr := clientAddr(r, s.proxies)
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

// clientAddr returns the peer address of r. Forwarding headers are only
// honoured when the direct peer is a trusted proxy; the right-most
// untrusted hop wins.
func clientAddr(r *http.Request, proxies *proxyMatcher) netip.Addr {
	remote := parseHostAddr(r.RemoteAddr)
	if !remote.IsValid() || !proxies.trusted(remote) {
		return remote
	}

	hops := forwardedFor(r.Header.Get("Forwarded"))
	if len(hops) == 0 {
		hops = xForwardedFor(r.Header.Get("X-Forwarded-For"))
	}
	if len(hops) == 0 {
		return remote
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !proxies.trusted(hops[i]) {
			return hops[i]
		}
	}
	return hops[0]
}

func forwardedFor(header string) []netip.Addr {
	var out []netip.Addr
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "for") {
				continue
			}
			if addr := parseHostAddr(value); addr.IsValid() {
				out = append(out, addr)
			}
		}
	}
	return out
}

func xForwardedFor(header string) []netip.Addr {
	var out []netip.Addr
	for _, part := range strings.Split(header, ",") {
		if addr := parseHostAddr(part); addr.IsValid() {
			out = append(out, addr)
		}
	}
	return out
}

// parseHostAddr parses "ip", "ip:port", "[v6]:port" and quoted variants.
func parseHostAddr(value string) netip.Addr {
	value = strings.Trim(strings.TrimSpace(value), `"`)
	if value == "" || strings.EqualFold(value, "unknown") {
		return netip.Addr{}
	}
	host := value
	if h, _, err := net.SplitHostPort(value); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if zone := strings.IndexByte(host, '%'); zone != -1 {
		host = host[:zone]
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
