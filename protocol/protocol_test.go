package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadFrame(t *testing.T) {
	frame := Frame{
		Header: Header{
			StreamID: 12345,
			Type:     MessageTypeRequest,
			Flags:    FlagRemoteClosed,
		},
		Payload: []byte("hello world"),
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(frame.Payload) {
		t.Errorf("frame size: got %d, want %d", buf.Len(), HeaderSize+len(frame.Payload))
	}

	got, err := ReadFrame(&buf, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Header.StreamID != frame.Header.StreamID {
		t.Errorf("StreamID mismatch: got %d, want %d", got.Header.StreamID, frame.Header.StreamID)
	}
	if got.Header.Type != frame.Header.Type {
		t.Errorf("Type mismatch: got %v, want %v", got.Header.Type, frame.Header.Type)
	}
	if got.Header.Flags != frame.Header.Flags {
		t.Errorf("Flags mismatch: got %d, want %d", got.Header.Flags, frame.Header.Flags)
	}
	if got.Header.Length != uint32(len(frame.Payload)) {
		t.Errorf("Length mismatch: got %d, want %d", got.Header.Length, len(frame.Payload))
	}
	if !bytes.Equal(got.Payload, frame.Payload) {
		t.Errorf("Payload mismatch: got %q, want %q", got.Payload, frame.Payload)
	}
}

func TestWireLayout(t *testing.T) {
	// The peer may be the reference implementation, so the bytes matter,
	// not just the round trip.
	buf := EncodeFrame(Frame{
		Header: Header{
			StreamID: 0x01020304,
			Type:     MessageTypeResponse,
			Flags:    FlagRemoteClosed | FlagNoData,
		},
		Payload: []byte{0xAA, 0xBB},
	})
	want := []byte{
		0x00, 0x00, 0x00, 0x02, // length, big-endian
		0x01, 0x02, 0x03, 0x04, // stream id, big-endian
		0x02,       // type: response
		0x03,       // flags
		0xAA, 0xBB, // payload
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("wire bytes mismatch:\n got %x\nwant %x", buf, want)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Header: Header{StreamID: 1, Type: MessageTypeResponse, Flags: FlagNoData}}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Header.Length != 0 || len(got.Payload) != 0 {
		t.Errorf("expected empty payload, got length=%d payload=%d bytes", got.Header.Length, len(got.Payload))
	}
}

func TestReadFrameOversized(t *testing.T) {
	var buf bytes.Buffer
	putHeader(appendZeros(&buf, HeaderSize), Header{Length: 101, StreamID: 1, Type: MessageTypeRequest})

	_, err := ReadFrame(&buf, 100)
	if err == nil {
		t.Fatal("expected error for oversized frame, got nil")
	}
	if !IsProtocolError(err) {
		t.Errorf("oversized frame should be a protocol error, got %T: %v", err, err)
	}
}

func TestReadFrameUndefinedType(t *testing.T) {
	var buf bytes.Buffer
	putHeader(appendZeros(&buf, HeaderSize), Header{Length: 0, StreamID: 1, Type: MessageType(9)})

	_, err := ReadFrame(&buf, DefaultMaxPayload)
	if err == nil {
		t.Fatal("expected error for undefined message type, got nil")
	}
	if !IsProtocolError(err) {
		t.Errorf("undefined type should be a protocol error, got %T: %v", err, err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	// EOF before any header byte is a clean peer close and must surface
	// as io.EOF, not as a wrapped read failure.
	_, err := ReadFrame(bytes.NewReader(nil), DefaultMaxPayload)
	if err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	putHeader(appendZeros(&buf, HeaderSize), Header{Length: 10, StreamID: 1, Type: MessageTypeRequest})
	buf.Write([]byte("abc")) // 3 of 10 payload bytes

	_, err := ReadFrame(&buf, DefaultMaxPayload)
	if err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
	if IsProtocolError(err) {
		t.Errorf("truncated payload is a transport failure, not a protocol error: %v", err)
	}
}

// appendZeros grows buf by n zero bytes and returns a slice over them so a
// header can be packed in place.
func appendZeros(buf *bytes.Buffer, n int) []byte {
	start := buf.Len()
	buf.Write(make([]byte, n))
	return buf.Bytes()[start : start+n]
}
