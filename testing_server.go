package wscore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// testServer is a bare-bones WebSocket server the unit tests drive scripted
// sessions against. Every accepted connection goes through the server side
// of the upgrade and is then handed to session on its own goroutine; the
// connection closes when session returns, so sessions that should stay up
// must block. Handshakes counts completed upgrades, which is how tests
// observe reconnects.
type testServer struct {
	ln      net.Listener
	session func(sc *serverConn)
	upgrade func(conn net.Conn) error

	handshakes atomic.Int32
	closeOnce  sync.Once
}

func startTestServer(session func(sc *serverConn)) (*testServer, error) {
	return startTestServerWithUpgrade(session, serverUpgrade)
}

func startTestServerWithUpgrade(session func(sc *serverConn), upgrade func(net.Conn) error) (*testServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &testServer{ln: ln, session: session, upgrade: upgrade}
	go s.acceptLoop()
	return s, nil
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *testServer) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := s.upgrade(conn); err != nil {
		return
	}
	s.handshakes.Add(1)

	if s.session != nil {
		s.session(&serverConn{conn: conn})
	}
}

func (s *testServer) URL() string {
	return "ws://" + s.ln.Addr().String() + "/"
}

func (s *testServer) Handshakes() int {
	return int(s.handshakes.Load())
}

func (s *testServer) Close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
	})
}

// serverUpgrade answers a client upgrade request with a well-formed 101
// response carrying the accept token derived from the client's key.
func serverUpgrade(conn net.Conn) error {
	req, err := readHeaderBlock(conn)
	if err != nil {
		return err
	}
	key := headerValue(req, "Sec-WebSocket-Key")
	if key == "" {
		return errors.New("upgrade request without Sec-WebSocket-Key")
	}

	resp := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: %s\r\n\r\n",
		acceptToken(key))
	_, err = conn.Write([]byte(resp))
	return err
}

// rejectUpgrade answers every upgrade request with the given raw HTTP
// response and reports failure so the connection is dropped.
func rejectUpgrade(raw string) func(net.Conn) error {
	return func(conn net.Conn) error {
		if _, err := readHeaderBlock(conn); err != nil {
			return err
		}
		_, _ = conn.Write([]byte(raw))
		return errors.New("upgrade rejected by script")
	}
}

// serverConn is the server end of an upgraded test connection.
type serverConn struct {
	conn net.Conn
}

func (sc *serverConn) readFrame() (frameHeader, []byte, error) {
	return readFrame(sc.conn)
}

// write sends a single unmasked server frame.
func (sc *serverConn) write(op MessageType, payload []byte) error {
	_, err := sc.conn.Write(appendServerFrame(nil, op, payload))
	return err
}

func (sc *serverConn) close() {
	_ = sc.conn.Close()
}

// appendServerFrame encodes an unmasked single frame the way a server puts
// it on the wire.
func appendServerFrame(dst []byte, op MessageType, payload []byte) []byte {
	dst = append(dst, finBit|byte(op))

	switch n := len(payload); {
	case n <= 125:
		dst = append(dst, byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	return append(dst, payload...)
}

// testProxy is a minimal HTTP CONNECT proxy. With a reject response set it
// refuses every tunnel with that raw response; otherwise it dials the
// requested target and relays bytes both ways.
type testProxy struct {
	ln     net.Listener
	reject string

	requests  atomic.Int32
	tunnels   atomic.Int32
	closeOnce sync.Once
}

func startTestProxy(reject string) (*testProxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	p := &testProxy{ln: ln, reject: reject}
	go p.acceptLoop()
	return p, nil
}

func (p *testProxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.serve(conn)
	}
}

func (p *testProxy) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	req, err := readHeaderBlock(conn)
	if err != nil {
		return
	}
	p.requests.Add(1)

	if p.reject != "" {
		_, _ = conn.Write([]byte(p.reject))
		return
	}

	target := connectTarget(req)
	if target == "" {
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		return
	}

	upstream, err := net.Dial("tcp", target)
	if err != nil {
		_, _ = conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer func() { _ = upstream.Close() }()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	p.tunnels.Add(1)

	go func() { _, _ = io.Copy(upstream, conn) }()
	_, _ = io.Copy(conn, upstream)
}

func (p *testProxy) hostPort() (string, int) {
	addr := p.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (p *testProxy) Requests() int { return int(p.requests.Load()) }

func (p *testProxy) Tunnels() int { return int(p.tunnels.Load()) }

func (p *testProxy) Close() {
	p.closeOnce.Do(func() {
		_ = p.ln.Close()
	})
}

// connectTarget pulls host:port out of a CONNECT request line.
func connectTarget(block string) string {
	fields := strings.Fields(statusLine(block))
	if len(fields) < 2 || fields[0] != "CONNECT" {
		return ""
	}
	return fields[1]
}
