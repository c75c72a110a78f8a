package ws

import (
	"net"
	nethttp "net/http"
	"strings"
)

// SourceExtractor derives the per-source admission identifier from an
// incoming request. Typically the peer IP (IPv4 dotted quad or IPv6
// colon-hex).
type SourceExtractor func(r *nethttp.Request) string

// PeerAddressExtractor uses the socket peer address. Behind a load balancer
// this is the balancer's address; use ForwardedForExtractor there.
func PeerAddressExtractor(r *nethttp.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedForExtractor trusts the first X-Forwarded-For entry when present
// and falls back to the peer address. Install only when the balancer is
// known to set the header.
func ForwardedForExtractor(r *nethttp.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	return PeerAddressExtractor(r)
}
