package wscore

import (
	"net"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

type (
	// Endpoint is the parsed form of a ws:// or wss:// URI. It is resolved
	// once at construction and never mutated afterwards.
	Endpoint struct {
		Scheme string
		Host   string
		Port   int
		Path   string
	}

	// ProxyConfig points at an HTTP proxy to tunnel through. The zero value
	// means a direct connection. It may be swapped at runtime and takes
	// effect on the next connect attempt.
	ProxyConfig struct {
		Host string
		Port int
	}
)

// parseEndpoint resolves a websocket URI into an Endpoint. Only ws and wss
// schemes are accepted; a missing port defaults to 80/443 and a missing
// path to "/". No network activity happens here.
func parseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, errors.Wrapf(ErrInvalidEndpoint, "parse %q: %s", raw, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return Endpoint{}, errors.Wrapf(ErrInvalidEndpoint,
			"unsupported scheme %q, use ws:// or wss://", u.Scheme)
	}

	ep := Endpoint{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Path:   u.EscapedPath(),
	}
	if ep.Host == "" {
		return Endpoint{}, errors.Wrapf(ErrInvalidEndpoint, "missing host in %q", raw)
	}
	if ep.Path == "" {
		ep.Path = "/"
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, errors.Wrapf(ErrInvalidEndpoint, "bad port %q", p)
		}
		ep.Port = port
	} else if ep.Secure() {
		ep.Port = 443
	} else {
		ep.Port = 80
	}

	return ep, nil
}

// Secure reports whether the endpoint demands a TLS-wrapped transport.
func (e Endpoint) Secure() bool { return e.Scheme == "wss" }

// Addr returns the host:port dial target.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

func (e Endpoint) String() string { return e.Scheme + "://" + e.Addr() + e.Path }

func (p ProxyConfig) enabled() bool { return p.Host != "" }

func (p ProxyConfig) addr() string { return net.JoinHostPort(p.Host, strconv.Itoa(p.Port)) }
