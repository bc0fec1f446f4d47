package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

const unknownClient = "unknown-client"

// IPResolver derives the caller address used in throttle keys and audit
// entries. X-Forwarded-For and X-Real-IP are read only when the direct peer
// is one of the trusted proxies.
type IPResolver struct {
	trusted []*net.IPNet
}

func NewIPResolver(trusted []*net.IPNet) *IPResolver {
	return &IPResolver{trusted: trusted}
}

func (p *IPResolver) isTrusted(ip net.IP) bool {
	if p == nil {
		return false
	}
	for _, n := range p.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address, or for a trusted peer the right-most
// X-Forwarded-For hop that is not itself a trusted proxy, then X-Real-IP.
func (p *IPResolver) ClientIP(r *http.Request) string {
	peer := remoteIP(r.RemoteAddr)
	if peer == nil {
		return unknownClient
	}
	if !p.isTrusted(peer) {
		return peer.String()
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				break
			}
			if !p.isTrusted(ip) {
				return ip.String()
			}
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer.String()
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}

// Key builds "rl:<name>:<ip>[:extra...]".
func Key(name, ip string, extra ...string) string {
	parts := append([]string{"rl", name, ip}, extra...)
	return strings.Join(parts, ":")
}
