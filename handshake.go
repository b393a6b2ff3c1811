package wscore

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// websocketGUID is the fixed key-derivation constant of RFC 6455 §1.3.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHeaderBlock caps how many header bytes a peer may send before the
// handshake is aborted.
const maxHeaderBlock = 16 << 10

// newHandshakeKey draws the 16-byte nonce sent as Sec-WebSocket-Key.
func newHandshakeKey() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "handshake nonce")
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// acceptToken computes the Sec-WebSocket-Accept value the server must echo
// for a given key: base64(SHA-1(key + GUID)).
func acceptToken(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// negotiate runs the client side of the HTTP upgrade on a freshly
// established transport. On any failure the transport is closed before the
// error propagates, so a rejected handshake never leaks a socket.
func negotiate(conn net.Conn, ep Endpoint) error {
	key, err := newHandshakeKey()
	if err != nil {
		_ = conn.Close()
		return err
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n",
		ep.Path, ep.Addr(), key)

	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "handshake write")
	}

	resp, err := readHeaderBlock(conn)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "handshake read")
	}

	if !strings.Contains(statusLine(resp), "101") {
		_ = conn.Close()
		return errors.Wrapf(ErrHandshakeRejected, "%s", statusLine(resp))
	}

	if headerValue(resp, "Sec-WebSocket-Accept") != acceptToken(key) {
		_ = conn.Close()
		return errors.Wrapf(ErrAcceptMismatch, "for key %s", key)
	}

	return nil
}

// readHeaderBlock consumes bytes one at a time until the \r\n\r\n header
// terminator, returning the whole block. Reading byte-wise leaves the
// stream positioned exactly at the first byte after the headers, so no
// frame data gets swallowed into a throwaway buffer.
func readHeaderBlock(r io.Reader) (string, error) {
	var (
		buf   [1]byte
		block []byte
	)
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return string(block), err
		}
		block = append(block, buf[0])
		if len(block) >= 4 && string(block[len(block)-4:]) == "\r\n\r\n" {
			return string(block), nil
		}
		if len(block) > maxHeaderBlock {
			return string(block), errors.New("header block too large")
		}
	}
}

// headerValue scans an HTTP header block for a header, case-insensitively,
// and returns its trimmed value. A missing header returns "".
func headerValue(block, name string) string {
	prefix := strings.ToLower(name) + ":"
	for _, line := range strings.Split(block, "\r\n") {
		if len(line) < len(prefix) {
			continue
		}
		if strings.ToLower(line[:len(prefix)]) == prefix {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}
