package wscore

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the WebSocket opcode of a frame. Only the opcodes this
// client speaks are named; anything else is ignored by the receive loop.
type MessageType byte

const (
	TextMessage  MessageType = 0x1
	CloseMessage MessageType = 0x8
	PingMessage  MessageType = 0x9
	PongMessage  MessageType = 0xA
)

func (t MessageType) Is(other MessageType) bool {
	return t == other
}

func (t MessageType) IsText() bool  { return t.Is(TextMessage) }
func (t MessageType) IsClose() bool { return t.Is(CloseMessage) }
func (t MessageType) IsPing() bool  { return t.Is(PingMessage) }
func (t MessageType) IsPong() bool  { return t.Is(PongMessage) }

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "TEXT"
	case CloseMessage:
		return "CLOSE"
	case PingMessage:
		return "PING"
	case PongMessage:
		return "PONG"
	}
	return fmt.Sprintf("OPCODE(%#x)", byte(t))
}

// Close frame status codes used by this client.
const (
	closeStatusNormal   = 1000
	closeStatusNoStatus = 1005
)

// closeStatus extracts the status code from a close frame payload. A close
// frame may legally carry no code at all (RFC 6455 §7.1.5).
func closeStatus(payload []byte) int {
	if len(payload) < 2 {
		return closeStatusNoStatus
	}
	return int(binary.BigEndian.Uint16(payload[:2]))
}

// closePayload renders a status code as a close frame payload.
func closePayload(status int) []byte {
	return []byte{byte(status >> 8), byte(status)}
}
