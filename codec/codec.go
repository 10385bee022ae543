// Package codec serializes request and response envelopes into frame
// payloads.
//
// The layout is a fixed hand-rolled binary format: length-prefixed fields
// walked in order, all integers big-endian. There is nothing to negotiate —
// the peer may be the reference implementation, so the bytes must match
// exactly.
//
// Request body:
//
//	u16 method length | method | u32 payload length | payload | u64 timeout (ns)
//
// Response body:
//
//	u32 status code | u16 message length | message | u32 payload length | payload
package codec

import (
	"encoding/binary"
	"math"

	"google.golang.org/grpc/codes"

	"ttrpc/message"
	"ttrpc/protocol"
)

// EncodeRequest serializes a request envelope into a frame payload.
func EncodeRequest(req *message.Request) ([]byte, error) {
	if len(req.Method) > math.MaxUint16 {
		return nil, protocol.Errorf("method name of %d bytes does not fit the envelope", len(req.Method))
	}

	total := 2 + len(req.Method) + 4 + len(req.Payload) + 8
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(req.Method)))
	offset += 2
	copy(buf[offset:offset+len(req.Method)], req.Method)
	offset += len(req.Method)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(req.Payload)))
	offset += 4
	copy(buf[offset:offset+len(req.Payload)], req.Payload)
	offset += len(req.Payload)

	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(req.TimeoutNano))
	return buf, nil
}

// DecodeRequest parses a request envelope from a frame payload.
func DecodeRequest(data []byte) (*message.Request, error) {
	d := fieldReader{buf: data}

	methodLen := d.uint16()
	method := d.bytes(int(methodLen))
	payloadLen := d.uint32()
	payload := d.bytes(int(payloadLen))
	timeout := d.uint64()

	if d.err {
		return nil, protocol.Errorf("truncated request envelope (%d bytes)", len(data))
	}
	return &message.Request{
		Method:      string(method),
		Payload:     payload,
		TimeoutNano: int64(timeout),
	}, nil
}

// EncodeResponse serializes a response envelope into a frame payload.
func EncodeResponse(resp *message.Response) ([]byte, error) {
	if len(resp.Status.Message) > math.MaxUint16 {
		return nil, protocol.Errorf("status message of %d bytes does not fit the envelope", len(resp.Status.Message))
	}

	total := 4 + 2 + len(resp.Status.Message) + 4 + len(resp.Payload)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(resp.Status.Code))
	offset += 4

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(resp.Status.Message)))
	offset += 2
	copy(buf[offset:offset+len(resp.Status.Message)], resp.Status.Message)
	offset += len(resp.Status.Message)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(resp.Payload)))
	offset += 4
	copy(buf[offset:offset+len(resp.Payload)], resp.Payload)
	return buf, nil
}

// DecodeResponse parses a response envelope from a frame payload.
func DecodeResponse(data []byte) (*message.Response, error) {
	d := fieldReader{buf: data}

	code := d.uint32()
	msgLen := d.uint16()
	msg := d.bytes(int(msgLen))
	payloadLen := d.uint32()
	payload := d.bytes(int(payloadLen))

	if d.err {
		return nil, protocol.Errorf("truncated response envelope (%d bytes)", len(data))
	}
	return &message.Response{
		Status:  message.Status{Code: codes.Code(code), Message: string(msg)},
		Payload: payload,
	}, nil
}

// fieldReader walks a buffer field by field, latching the first overrun
// instead of panicking on truncated input. Callers check err once at the
// end.
type fieldReader struct {
	buf    []byte
	offset int
	err    bool
}

func (d *fieldReader) take(n int) []byte {
	if d.err || n < 0 || len(d.buf)-d.offset < n {
		d.err = true
		return nil
	}
	b := d.buf[d.offset : d.offset+n]
	d.offset += n
	return b
}

func (d *fieldReader) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *fieldReader) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *fieldReader) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *fieldReader) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
