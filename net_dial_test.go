package wscore

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialProxyTunnelError(t *testing.T) {
	proxy, err := startTestProxy("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
	require.NoError(t, err)
	defer proxy.Close()

	host, port := proxy.hostPort()
	ep := Endpoint{Scheme: "ws", Host: "192.0.2.1", Port: 80, Path: "/"}

	_, err = dialProxy(ep, ProxyConfig{Host: host, Port: port}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProxyTunnelFailed))

	var te *TunnelError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Response, "407")
	assert.Contains(t, te.Error(), "407 Proxy Authentication Required")
}

func TestDialProxySendsConnectRequest(t *testing.T) {
	srv, err := startTestServer(idleSession)
	require.NoError(t, err)
	defer srv.Close()

	proxy, err := startTestProxy("")
	require.NoError(t, err)
	defer proxy.Close()

	host, port := proxy.hostPort()
	target, err := parseEndpoint(srv.URL())
	require.NoError(t, err)

	conn, err := dialProxy(target, ProxyConfig{Host: host, Port: port}, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 1, proxy.Tunnels())

	// the stream actually reaches the target: a handshake goes through
	require.NoError(t, negotiate(conn, target))
	assert.Equal(t, 1, srv.Handshakes())
}

func TestDialDirectRefused(t *testing.T) {
	ep := Endpoint{Scheme: "ws", Host: "127.0.0.1", Port: 9, Path: "/"}

	_, err := dialDirect(ep, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotConnect))
}
