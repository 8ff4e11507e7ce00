package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPResolver picks the client address a request is attributed to.
// X-Forwarded-For is only honoured when the direct peer is a trusted proxy;
// otherwise any client could pick its own rate limit bucket.
type IPResolver struct {
	trusted []netip.Prefix
}

// NewIPResolver parses proxies given as CIDR ranges or single addresses.
// With no proxies every request is keyed on its peer address.
func NewIPResolver(proxies []string) (*IPResolver, error) {
	res := &IPResolver{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
			}
			res.trusted = append(res.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		res.trusted = append(res.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return res, nil
}

// ClientIP returns the peer address, or, when the peer is a trusted proxy,
// the right-most X-Forwarded-For hop that is not itself a trusted proxy.
func (res *IPResolver) ClientIP(r *http.Request) string {
	peer := peerIP(r)
	if res == nil || len(res.trusted) == 0 || !res.isTrusted(peer) {
		return peer
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			// Garbage in the chain; stop at the last hop we could vouch for.
			return peer
		}
		if !res.isTrusted(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}

func (res *IPResolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// peerIP is the address of the direct TCP peer.
func peerIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
