package wscore

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvString(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

type recordedFrame struct {
	op      MessageType
	masked  bool
	payload []byte
}

// recordingSession forwards every frame the server reads to frames until
// the connection dies.
func recordingSession(frames chan<- recordedFrame) func(*serverConn) {
	return func(sc *serverConn) {
		for {
			hdr, payload, err := sc.readFrame()
			if err != nil {
				return
			}
			frames <- recordedFrame{op: hdr.opcode, masked: hdr.masked, payload: payload}
		}
	}
}

// idleSession keeps the connection open until the client drops it.
func idleSession(sc *serverConn) {
	for {
		if _, _, err := sc.readFrame(); err != nil {
			return
		}
	}
}

// recvFrameOfType drains frames until one with the wanted opcode shows up.
func recvFrameOfType(t *testing.T, ch <-chan recordedFrame, op MessageType) recordedFrame {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case f := <-ch:
			if f.op == op {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", op)
		}
	}
}

func TestNewClientInvalidURI(t *testing.T) {
	_, err := NewClient("http://example.com", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEndpoint))
}

func TestClientSendAndReceive(t *testing.T) {
	srv, err := startTestServer(func(sc *serverConn) {
		for {
			hdr, payload, err := sc.readFrame()
			if err != nil {
				return
			}
			if hdr.opcode.IsText() {
				_ = sc.write(TextMessage, payload)
			}
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	received := make(chan string, 8)
	cli, err := NewClient(srv.URL(), func(text string) { received <- text })
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())
	assert.True(t, cli.IsConnected())

	require.NoError(t, cli.Send("LOGIN|tester|42"))
	assert.Equal(t, "LOGIN|tester|42", recvString(t, received, "echo"))
}

func TestClientFramesAreMasked(t *testing.T) {
	frames := make(chan recordedFrame, 16)
	srv, err := startTestServer(recordingSession(frames))
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())
	require.NoError(t, cli.Send("MOVE|3|7"))

	f := recvFrameOfType(t, frames, TextMessage)
	assert.True(t, f.masked)
	assert.Equal(t, []byte("MOVE|3|7"), f.payload)
}

func TestSendWhileDisconnected(t *testing.T) {
	cli, err := NewClient("ws://127.0.0.1:9/", nil)
	require.NoError(t, err)

	err = cli.Send("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestPingGetsPongBeforeNextFrame(t *testing.T) {
	received := make(chan string, 4)
	pongs := make(chan recordedFrame, 4)

	srv, err := startTestServer(func(sc *serverConn) {
		if err := sc.write(PingMessage, []byte("marco")); err != nil {
			return
		}

		// skip the client's own keepalive pings
		hdr, payload, err := sc.readFrame()
		for err == nil && !hdr.opcode.IsPong() {
			hdr, payload, err = sc.readFrame()
		}
		if err != nil {
			return
		}
		pongs <- recordedFrame{op: hdr.opcode, masked: hdr.masked, payload: payload}

		if err := sc.write(TextMessage, []byte("polo")); err != nil {
			return
		}
		idleSession(sc)
	})
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), func(text string) { received <- text })
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.Connect())

	select {
	case f := <-pongs:
		assert.True(t, f.masked)
		assert.Equal(t, []byte("marco"), f.payload)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for pong")
	}

	assert.Equal(t, "polo", recvString(t, received, "text after pong"))
}

func TestPeerCloseTriggersSingleReconnect(t *testing.T) {
	var sessions atomic.Int32
	srv, err := startTestServer(func(sc *serverConn) {
		if sessions.Add(1) == 1 {
			_ = sc.write(CloseMessage, closePayload(closeStatusNormal))
		}
		idleSession(sc)
	})
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())

	waitFor(t, func() bool { return srv.Handshakes() == 2 }, "reconnect handshake")
	waitFor(t, cli.IsConnected, "client connected again")

	// and it stays at exactly one reconnect
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, srv.Handshakes())
	assert.True(t, cli.IsConnected())
}

func TestCloseIsIdempotent(t *testing.T) {
	frames := make(chan recordedFrame, 16)
	srv, err := startTestServer(recordingSession(frames))
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil)
	require.NoError(t, err)

	require.NoError(t, cli.Connect())
	cli.Close()
	assert.False(t, cli.IsConnected())
	cli.Close()
	assert.False(t, cli.IsConnected())

	f := recvFrameOfType(t, frames, CloseMessage)
	assert.Equal(t, closeStatusNormal, closeStatus(f.payload))

	// no second close frame shows up
	for {
		select {
		case f := <-frames:
			require.NotEqual(t, CloseMessage, f.op, "close frame sent twice")
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestNoReconnectAfterManualClose(t *testing.T) {
	srv, err := startTestServer(idleSession)
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil, WithReconnectDelay(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, cli.Connect())
	cli.Close()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, srv.Handshakes())
	assert.False(t, cli.IsConnected())
}

func TestReconnectAfterDroppedConnection(t *testing.T) {
	var sessions atomic.Int32
	srv, err := startTestServer(func(sc *serverConn) {
		if sessions.Add(1) == 1 {
			// hard drop, no close frame
			sc.close()
			return
		}
		idleSession(sc)
	})
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil, WithReconnectDelay(20*time.Millisecond))
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())

	waitFor(t, func() bool { return srv.Handshakes() >= 2 }, "supervised reconnect")
	waitFor(t, cli.IsConnected, "client connected again")
}

func TestConnectReplacesLiveConnection(t *testing.T) {
	srv, err := startTestServer(idleSession)
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())
	require.NoError(t, cli.Connect())

	assert.True(t, cli.IsConnected())
	waitFor(t, func() bool { return srv.Handshakes() == 2 }, "second handshake")

	// the stale receive loop must not trigger a reconnect
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, srv.Handshakes())
}

func TestConnectFailurePropagates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cli, err := NewClient("ws://"+addr+"/", nil, WithReconnectDelay(20*time.Millisecond))
	require.NoError(t, err)

	err = cli.Connect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotConnect))
	assert.False(t, cli.IsConnected())
}

func TestConnectHandshakeRejected(t *testing.T) {
	srv, err := startTestServerWithUpgrade(nil, rejectUpgrade("HTTP/1.1 403 Forbidden\r\n\r\n"))
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil)
	require.NoError(t, err)

	err = cli.Connect()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeRejected))
	assert.False(t, cli.IsConnected())
}

func TestProxyRejectionFallsBackToDirect(t *testing.T) {
	srv, err := startTestServer(idleSession)
	require.NoError(t, err)
	defer srv.Close()

	proxy, err := startTestProxy("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
	require.NoError(t, err)
	defer proxy.Close()

	host, port := proxy.hostPort()
	cli, err := NewClient(srv.URL(), nil, WithProxy(host, port))
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())
	assert.True(t, cli.IsConnected())
	assert.Equal(t, 1, proxy.Requests())
	assert.Equal(t, 0, proxy.Tunnels())
	assert.Equal(t, 1, srv.Handshakes())
}

func TestProxyTunnelRelaysFrames(t *testing.T) {
	received := make(chan string, 4)
	srv, err := startTestServer(func(sc *serverConn) {
		for {
			hdr, payload, err := sc.readFrame()
			if err != nil {
				return
			}
			if hdr.opcode.IsText() {
				_ = sc.write(TextMessage, payload)
			}
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	proxy, err := startTestProxy("")
	require.NoError(t, err)
	defer proxy.Close()

	host, port := proxy.hostPort()
	cli, err := NewClient(srv.URL(), func(text string) { received <- text }, WithProxy(host, port))
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())
	require.NoError(t, cli.Send("through-tunnel"))
	assert.Equal(t, "through-tunnel", recvString(t, received, "tunnelled echo"))
	assert.Equal(t, 1, proxy.Tunnels())
}

func TestKeepalivePings(t *testing.T) {
	frames := make(chan recordedFrame, 32)
	srv, err := startTestServer(recordingSession(frames))
	require.NoError(t, err)
	defer srv.Close()

	cli, err := NewClient(srv.URL(), nil, WithPingInterval(25*time.Millisecond))
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Connect())

	first := recvFrameOfType(t, frames, PingMessage)
	assert.True(t, first.masked)
	assert.Len(t, first.payload, pingPayloadSize)

	second := recvFrameOfType(t, frames, PingMessage)
	assert.Len(t, second.payload, pingPayloadSize)
	assert.NotEqual(t, first.payload, second.payload)
}

func TestLifecycleEvents(t *testing.T) {
	var sessions atomic.Int32
	srv, err := startTestServer(func(sc *serverConn) {
		if sessions.Add(1) == 1 {
			// close only after the client spoke, so the event order is
			// deterministic
			for {
				hdr, _, err := sc.readFrame()
				if err != nil {
					return
				}
				if hdr.opcode.IsText() {
					break
				}
			}
			_ = sc.write(CloseMessage, closePayload(closeStatusNormal))
		}
		idleSession(sc)
	})
	require.NoError(t, err)
	defer srv.Close()

	events := make(chan EventType, 16)
	cli, err := NewClient(srv.URL(), nil, WithEventHandler(func(_ *Client, ev EventType) {
		events <- ev
	}))
	require.NoError(t, err)

	recvEvent := func(what string) EventType {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(testWait):
			t.Fatalf("timed out waiting for %s", what)
			return 0
		}
	}

	require.NoError(t, cli.Connect())
	assert.Equal(t, EventConnect, recvEvent("connect event"))

	require.NoError(t, cli.Send("drop-me"))

	// peer close: disconnect, then the immediate reconnect
	assert.Equal(t, EventDisconnect, recvEvent("disconnect event"))
	assert.Equal(t, EventReconnect, recvEvent("reconnect event"))

	cli.Close()
	assert.Equal(t, EventDisconnect, recvEvent("disconnect on close"))
}

func TestProxyConfigAccessors(t *testing.T) {
	cli, err := NewClient("ws://example.com/", nil)
	require.NoError(t, err)

	assert.Equal(t, ProxyConfig{}, cli.ProxyConfig())

	cli.SetProxyConfig("10.0.0.1", 8080)
	assert.Equal(t, ProxyConfig{Host: "10.0.0.1", Port: 8080}, cli.ProxyConfig())

	s := cli.String()
	assert.Contains(t, s, "ws://example.com:80/")
	assert.Contains(t, s, "10.0.0.1:8080")
	assert.Contains(t, s, "connected: false")

	cli.SetProxyConfig("", 0)
	assert.Contains(t, cli.String(), "direct")
}
