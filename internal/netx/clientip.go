package netx

import (
	"net"
	"net/http"
	"strings"
)

// Headers consulted for the original client address, in order.
var forwardHeaders = []string{"X-Forwarded-For", "X-Real-Ip", "Cf-Connecting-Ip"}

// IPResolver extracts the client IP for rate limiting and block checks.
// Forwarded headers are honored only when they carry a valid public IPv4
// address; anything else falls back to the socket peer.
type IPResolver struct {
	// Private addresses are never accepted from forwarded headers.
	// Defaults to the RFC1918 ranges plus loopback and link-local.
	Private *CIDRSet
}

func (r IPResolver) ClientIP(req *http.Request) string {
	for _, h := range forwardHeaders {
		v := req.Header.Get(h)
		if v == "" {
			continue
		}
		// X-Forwarded-For is a list; left-most entry is the original client.
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		ip := net.ParseIP(strings.TrimSpace(v))
		if ip == nil || ip.To4() == nil {
			continue
		}
		if r.private().Contains(ip) {
			continue
		}
		return ip.String()
	}
	if ip := parseRemoteIP(req.RemoteAddr); ip != nil {
		return ip.String()
	}
	return req.RemoteAddr
}

func (r IPResolver) private() *CIDRSet {
	if r.Private != nil {
		return r.Private
	}
	return defaultPrivate
}

var defaultPrivate = mustCIDRSet([]string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
})

func mustCIDRSet(items []string) *CIDRSet {
	s, err := ParseCIDRSet(items)
	if err != nil {
		panic(err)
	}
	return s
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}
