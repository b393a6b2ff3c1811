package wscore

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Wire layout per RFC 6455 §5.2, restricted to single unfragmented frames:
// FIN|opcode byte, mask|length byte, optional 16/64-bit extended length,
// optional 4-byte mask key, payload. Every frame this client sends has FIN
// set and is masked; frames received from the server may be either.
const (
	finBit  = 0x80
	maskBit = 0x80
)

// frameHeader is the transient decoded form of a single frame header.
type frameHeader struct {
	fin    bool
	opcode MessageType
	masked bool
	length uint64
	key    [4]byte
}

// newMaskKey draws a fresh 4-byte masking key. A new key is used for every
// outgoing frame.
func newMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, errors.Wrap(err, "mask key")
	}
	return key, nil
}

// maskBytes XORs b in place with the key cycling over its 4 bytes. Applying
// it twice with the same key restores the input.
func maskBytes(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// appendFrame appends a single masked client frame to dst and returns the
// extended slice. FIN is always set: this client never fragments.
func appendFrame(dst []byte, op MessageType, payload []byte, key [4]byte) []byte {
	dst = append(dst, finBit|byte(op))

	switch n := len(payload); {
	case n <= 125:
		dst = append(dst, maskBit|byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, maskBit|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, maskBit|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	dst = append(dst, key[:]...)
	off := len(dst)
	dst = append(dst, payload...)
	maskBytes(dst[off:], key)
	return dst
}

// readFrame decodes one complete frame from r, unmasking the payload in
// place when the peer masked it. Extended 64-bit lengths are honored at
// full width; a length the platform cannot buffer is a decode error, never
// a silent truncation. Any short read surfaces as an error and is treated
// by the receive loop as end of stream.
func readFrame(r io.Reader) (frameHeader, []byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frameHeader{}, nil, err
	}

	h := frameHeader{
		fin:    hdr[0]&finBit != 0,
		opcode: MessageType(hdr[0] & 0x0f),
		masked: hdr[1]&maskBit != 0,
		length: uint64(hdr[1] & 0x7f),
	}

	switch h.length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return h, nil, err
		}
		h.length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return h, nil, err
		}
		h.length = binary.BigEndian.Uint64(ext[:])
	}

	if h.length > math.MaxInt {
		return h, nil, errors.Errorf("frame payload length %d exceeds addressable memory", h.length)
	}

	if h.masked {
		if _, err := io.ReadFull(r, h.key[:]); err != nil {
			return h, nil, err
		}
	}

	payload := make([]byte, int(h.length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	if h.masked {
		maskBytes(payload, h.key)
	}
	return h, payload, nil
}

// writeFrame encodes op+payload with a fresh mask key and writes the whole
// frame in a single call on w.
func writeFrame(w io.Writer, op MessageType, payload []byte) error {
	key, err := newMaskKey()
	if err != nil {
		return err
	}
	_, err = w.Write(appendFrame(nil, op, payload, key))
	return err
}
