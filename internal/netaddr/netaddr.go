// Package netaddr resolves client network identity behind reverse proxies
// and renders endpoint URLs in normalised form.
package netaddr

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"portal-bridge/internal/errors"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// Resolver extracts the originating client address of a request.
type Resolver struct {
	// Header is the forwarded-address header, e.g. X-Forwarded-For.
	Header string

	// Trusted limits which peers may set Header. Empty trusts every peer.
	Trusted []netip.Prefix
}

// NewResolver parses trusted proxy entries, each either a single address or
// a CIDR range.
func NewResolver(header string, trusted []string) (*Resolver, error) {
	r := &Resolver{Header: header}
	for _, entry := range trusted {
		prefix, err := ParsePrefix(entry)
		if err != nil {
			return nil, err
		}
		r.Trusted = append(r.Trusted, prefix)
	}
	return r, nil
}

// ParsePrefix accepts "10.0.0.0/8" or a bare address, which is treated as a
// single-host prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, errors.NewInvalidRequestError("could not parse IP range %q", s)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.NewInvalidRequestError("could not parse IP address %q", s)
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// Resolve returns the client's address without a port. When the request
// carries the forwarded header from a trusted peer, the first entry of the
// header wins; otherwise the transport peer address is used.
func (r *Resolver) Resolve(req *http.Request) string {
	peer := StripPort(req.RemoteAddr)

	if r.Header == "" {
		return peer
	}
	values := req.Header.Values(r.Header)
	if len(values) == 0 || !r.trusts(peer) {
		return peer
	}

	// Repeated headers are equivalent to one comma-joined header.
	first := strings.Split(values[0], ",")[0]
	first = StripPort(strings.TrimSpace(first))
	if first == "" {
		return peer
	}
	return first
}

func (r *Resolver) trusts(peer string) bool {
	if len(r.Trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.Trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// StripPort removes a port from host:port, [v6]:port or a bare address.
func StripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
}

// NormalizeURL renders u with the scheme's default port omitted. Non-default
// ports are always kept.
func NormalizeURL(u *url.URL) string {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	host := out.Hostname()
	port := out.Port()
	if port != "" && defaultPorts[out.Scheme] == port {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	out.Host = host
	return out.String()
}

// Normalize parses raw and returns its normalised form.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.NewInvalidRequestError("could not parse URL %q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.NewInvalidRequestError("URL %q must be absolute", raw)
	}
	return NormalizeURL(u), nil
}

// WebsocketURL converts an http(s) endpoint to its ws(s) equivalent. ws and
// wss URLs pass through; any other scheme becomes wss.
func WebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.NewInvalidRequestError("could not parse URL %q", raw)
	}
	if u.Host == "" {
		return "", errors.NewInvalidRequestError("URL %q has no host", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	return NormalizeURL(u), nil
}
