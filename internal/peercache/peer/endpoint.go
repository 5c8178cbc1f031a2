package peer

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the transport an endpoint is reached over.
type Scheme string

const (
	SchemeUDP Scheme = "udp"
	SchemeTCP Scheme = "tcp"
	SchemeWS  Scheme = "ws"
)

func (s Scheme) Valid() bool {
	switch s {
	case SchemeUDP, SchemeTCP, SchemeWS:
		return true
	}
	return false
}

// Stream reports whether the scheme is connection oriented.
func (s Scheme) Stream() bool { return s == SchemeTCP || s == SchemeWS }

// Endpoint addresses an instance as scheme://host:port.
type Endpoint struct {
	Scheme Scheme
	Host   string
	Port   uint16
}

// ParseEndpoint parses scheme://host:port. A bare host:port defaults to tcp.
func ParseEndpoint(s string) (Endpoint, error) {
	return parse(s, false)
}

// ParseListen is ParseEndpoint for a bind address, where port 0 asks for
// any free port.
func ParseListen(s string) (Endpoint, error) {
	return parse(s, true)
}

func parse(s string, anyPort bool) (Endpoint, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Endpoint{}, wrapEndpointErr(s, ErrInvalidEndpoint, fmt.Errorf("empty"))
	}
	if !strings.Contains(raw, "://") {
		raw = string(SchemeTCP) + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, wrapEndpointErr(s, ErrInvalidEndpoint, err)
	}
	scheme := Scheme(strings.ToLower(u.Scheme))
	if !scheme.Valid() {
		return Endpoint{}, wrapEndpointErr(s, ErrUnknownScheme, nil)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, wrapEndpointErr(s, ErrInvalidEndpoint, fmt.Errorf("unexpected path %q", u.Path))
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || (port == 0 && !anyPort) {
		return Endpoint{}, wrapEndpointErr(s, ErrInvalidEndpoint, fmt.Errorf("bad port %q", u.Port()))
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	return Endpoint{Scheme: scheme, Host: host, Port: uint16(port)}, nil
}

// MustParseEndpoint is ParseEndpoint for literals; it panics on error.
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

func (e Endpoint) String() string {
	return string(e.Scheme) + "://" + e.Address()
}

// Address is host:port, suitable for net.Dial.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Key identifies the instance behind the endpoint. Loopback spellings
// collapse to 127.0.0.1 so an instance recognises its own datagrams.
// The scheme is not part of the key.
func (e Endpoint) Key() string {
	return net.JoinHostPort(normalizeHost(e.Host), strconv.Itoa(int(e.Port)))
}

// Same reports whether e and o address the same instance.
func (e Endpoint) Same(o Endpoint) bool { return e.Key() == o.Key() }

// WithScheme returns e reached over s.
func (e Endpoint) WithScheme(s Scheme) Endpoint {
	e.Scheme = s
	return e
}

// FromAddr builds an endpoint from a socket address.
func FromAddr(s Scheme, addr net.Addr) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, wrapEndpointErr(addr.String(), ErrInvalidEndpoint, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, wrapEndpointErr(addr.String(), ErrInvalidEndpoint, err)
	}
	return Endpoint{Scheme: s, Host: host, Port: uint16(port)}, nil
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.Trim(h, "[]"))
	switch h {
	case "localhost", "127.0.0.1", "::1", "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	if ip := net.ParseIP(h); ip != nil {
		if ip.IsLoopback() {
			return "127.0.0.1"
		}
		return ip.String()
	}
	return h
}
