package wscore

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidEndpoint   = errors.New("invalid websocket endpoint")
	ErrCannotConnect     = errors.New("connection cannot be established")
	ErrProxyTunnelFailed = errors.New("proxy tunnel failed")
	ErrHandshakeRejected = errors.New("websocket handshake rejected")
	ErrAcceptMismatch    = errors.New("websocket accept token mismatch")
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionClosed  = errors.New("connection has been closed")
)

// errPeerClosed marks a connection that ended because the server sent a
// close frame, as opposed to an I/O failure. The lifecycle controller
// reconnects immediately in that case instead of waiting a full delay.
var errPeerClosed = errors.New("close frame received from peer")

// TunnelError is returned when an HTTP proxy refuses a CONNECT request.
// It keeps the raw proxy response around for diagnostics.
type TunnelError struct {
	Response string
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("proxy tunnel rejected: %s", statusLine(e.Response))
}

func (e *TunnelError) Unwrap() error { return ErrProxyTunnelFailed }

func newTunnelError(response string) *TunnelError {
	return &TunnelError{Response: response}
}

// statusLine returns the first line of an HTTP header block.
func statusLine(block string) string {
	if i := strings.Index(block, "\r\n"); i >= 0 {
		return block[:i]
	}
	return strings.TrimRight(block, "\r\n")
}
