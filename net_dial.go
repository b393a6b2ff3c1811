package wscore

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// dialDirect opens a TCP stream straight to the endpoint and, for wss,
// wraps it in a TLS client session bound to the target host. The TLS
// handshake runs synchronously before the connection is returned.
func dialDirect(ep Endpoint, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", ep.Addr(), timeout)
	if err != nil {
		return nil, errors.Wrapf(ErrCannotConnect, "dial %s: %s", ep.Addr(), err)
	}
	return wrapTLS(conn, ep)
}

// dialProxy opens a CONNECT tunnel to the endpoint through an HTTP proxy.
// The proxy must answer with a 200 status line before the tunnel carries
// bytes; anything else closes the socket and yields a TunnelError carrying
// the raw response.
func dialProxy(ep Endpoint, proxy ProxyConfig, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", proxy.addr(), timeout)
	if err != nil {
		return nil, errors.Wrapf(ErrCannotConnect, "dial proxy %s: %s", proxy.addr(), err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", ep.Addr(), ep.Addr())
	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "proxy connect write")
	}

	resp, err := readHeaderBlock(conn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "proxy connect read")
	}
	if !strings.Contains(statusLine(resp), "200") {
		_ = conn.Close()
		return nil, newTunnelError(resp)
	}

	return wrapTLS(conn, ep)
}

func wrapTLS(conn net.Conn, ep Endpoint) (net.Conn, error) {
	if !ep.Secure() {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: ep.Host})
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(ErrCannotConnect, "tls handshake with %s: %s", ep.Addr(), err)
	}
	return tlsConn, nil
}
