// Package protocol implements the ttrpc binary frame layer.
//
// Every message on the wire is one frame: a fixed 10-byte header followed by
// the payload. The receiver reads the header first to learn the payload
// length, then reads exactly that many bytes.
//
// Frame format:
//
//	0         4         8   9   10
//	┌─────────┬─────────┬───┬───┬───────────────┐
//	│ length  │ stream  │typ│flg│  payload ...  │
//	│ uint32  │ uint32  │   │   │ length bytes  │
//	└─────────┴─────────┴───┴───┴───────────────┘
//
// All multi-byte integers are big-endian (network byte order). The layout
// must match the reference peer bit-for-bit, so nothing here is negotiable
// except the maximum payload length, which bounds per-frame memory use.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the fixed frame header size:
	// 4 (length) + 4 (stream id) + 1 (type) + 1 (flags).
	HeaderSize = 10

	// DefaultMaxPayload bounds the payload length of a single frame.
	// A peer declaring a larger frame is treated as misbehaving and the
	// connection is torn down. Matches the reference default of 4 MiB.
	DefaultMaxPayload uint32 = 4 << 20
)

// MessageType distinguishes request and response frames. Any other value on
// the wire is a protocol error.
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0x1 // client → server
	MessageTypeResponse MessageType = 0x2 // server → client
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeResponse:
		return "response"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

// Flag bits. Bits without a name here are reserved: senders must leave them
// zero, receivers must ignore them (forward compatibility).
const (
	// FlagRemoteClosed signals that the sender will transmit no further
	// frames on this stream (half-close).
	FlagRemoteClosed uint8 = 1 << 0

	// FlagNoData signals a frame whose payload carries no message body.
	FlagNoData uint8 = 1 << 1
)

// Header is the fixed 10-byte frame header.
type Header struct {
	Length   uint32 // payload byte count
	StreamID uint32 // correlates a request with its response
	Type     MessageType
	Flags    uint8
}

// Frame is one header+payload unit on the wire.
type Frame struct {
	Header  Header
	Payload []byte
}

// Error marks a violation of the frame layer: oversized length, undefined
// message type, and the like. Protocol errors are always fatal to the
// connection that produced them.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "protocol: " + e.Reason
}

// Errorf builds a protocol error from a format string.
func Errorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err (or its cause chain) is a frame-layer
// violation that must tear down the connection.
func IsProtocolError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// validate rejects headers that must not be acted upon: oversized payloads
// are rejected before any payload byte is read so an offending frame is
// never partially delivered, and undefined types are rejected because the
// receiver cannot know how to route them.
func (h Header) validate(maxPayload uint32) *Error {
	if h.Type != MessageTypeRequest && h.Type != MessageTypeResponse {
		return Errorf("undefined message type %d on stream %d", uint8(h.Type), h.StreamID)
	}
	if h.Length > maxPayload {
		return Errorf("frame of %d bytes on stream %d exceeds maximum of %d", h.Length, h.StreamID, maxPayload)
	}
	return nil
}

// putHeader packs h into buf, which must hold at least HeaderSize bytes.
func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Length)
	binary.BigEndian.PutUint32(buf[4:8], h.StreamID)
	buf[8] = byte(h.Type)
	buf[9] = h.Flags
}

// parseHeader unpacks a header from buf, which must hold at least
// HeaderSize bytes. No validation happens here; callers validate against
// their configured maximum.
func parseHeader(buf []byte) Header {
	return Header{
		Length:   binary.BigEndian.Uint32(buf[0:4]),
		StreamID: binary.BigEndian.Uint32(buf[4:8]),
		Type:     MessageType(buf[8]),
		Flags:    buf[9],
	}
}

// EncodeFrame returns the full wire encoding of one frame: exactly
// HeaderSize + len(payload) bytes. The header's Length field is derived
// from the payload, not taken from f.Header.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	h := f.Header
	h.Length = uint32(len(f.Payload))
	putHeader(buf, h)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// WriteFrame writes one frame to w as a single Write call so that a
// serialized writer emits each frame's bytes contiguously.
//
// The caller must hold the connection's write gate if multiple goroutines
// share w; interleaved writes corrupt the stream for the peer.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write(EncodeFrame(f)); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame reads exactly one frame from r, blocking until the header and
// the full payload have arrived. io.ReadFull tolerates the bytes trickling
// in across many short reads.
//
// An oversized or undefined frame returns a *Error without consuming the
// payload; the caller must treat it as fatal and close the connection.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		// Propagate EOF as-is so callers can distinguish a clean peer
		// close (EOF before any header byte) from a truncated frame.
		if err == io.EOF {
			return Frame{}, err
		}
		return Frame{}, errors.Wrap(err, "read frame header")
	}

	h := parseHeader(hbuf[:])
	if perr := h.validate(maxPayload); perr != nil {
		return Frame{}, perr
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, errors.Wrap(err, "read frame payload")
	}
	return Frame{Header: h, Payload: payload}, nil
}
