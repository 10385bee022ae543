package protocol

import (
	"bytes"
	"testing"
)

func TestDecoderReassemblesFragments(t *testing.T) {
	frames := []Frame{
		{Header: Header{StreamID: 1, Type: MessageTypeRequest, Flags: FlagRemoteClosed}, Payload: []byte("first")},
		{Header: Header{StreamID: 3, Type: MessageTypeResponse}, Payload: nil},
		{Header: Header{StreamID: 5, Type: MessageTypeRequest}, Payload: bytes.Repeat([]byte("x"), 1000)},
	}
	var wire []byte
	for _, f := range frames {
		wire = append(wire, EncodeFrame(f)...)
	}

	// Feed the byte stream in every chunk size from pathological to
	// generous; the decoder must produce the same frames regardless of
	// where the fragment boundaries fall.
	for _, chunk := range []int{1, 2, 3, 7, 9, 10, 11, 64, len(wire)} {
		dec := NewDecoder(0)
		var got []Frame
		for off := 0; off < len(wire); off += chunk {
			end := off + chunk
			if end > len(wire) {
				end = len(wire)
			}
			dec.Feed(wire[off:end])
			for {
				f, ok, err := dec.Next()
				if err != nil {
					t.Fatalf("chunk=%d: unexpected decode error: %v", chunk, err)
				}
				if !ok {
					break
				}
				got = append(got, f)
			}
		}

		if len(got) != len(frames) {
			t.Fatalf("chunk=%d: decoded %d frames, want %d", chunk, len(got), len(frames))
		}
		for i, f := range got {
			if f.Header.StreamID != frames[i].Header.StreamID {
				t.Errorf("chunk=%d frame=%d: StreamID got %d, want %d", chunk, i, f.Header.StreamID, frames[i].Header.StreamID)
			}
			if f.Header.Type != frames[i].Header.Type {
				t.Errorf("chunk=%d frame=%d: Type got %v, want %v", chunk, i, f.Header.Type, frames[i].Header.Type)
			}
			if !bytes.Equal(f.Payload, frames[i].Payload) {
				t.Errorf("chunk=%d frame=%d: payload mismatch", chunk, i)
			}
		}
		if dec.Buffered() != 0 {
			t.Errorf("chunk=%d: %d bytes left buffered after all frames", chunk, dec.Buffered())
		}
	}
}

func TestDecoderNeedsMoreData(t *testing.T) {
	dec := NewDecoder(0)

	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("empty decoder: ok=%v err=%v", ok, err)
	}

	wire := EncodeFrame(Frame{Header: Header{StreamID: 1, Type: MessageTypeRequest}, Payload: []byte("abc")})

	dec.Feed(wire[:HeaderSize-1]) // header still incomplete
	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("partial header: ok=%v err=%v", ok, err)
	}

	dec.Feed(wire[HeaderSize-1 : HeaderSize+1]) // header done, payload partial
	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("partial payload: ok=%v err=%v", ok, err)
	}

	dec.Feed(wire[HeaderSize+1:])
	f, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("complete frame: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(f.Payload, []byte("abc")) {
		t.Errorf("payload mismatch: got %q", f.Payload)
	}
}

func TestDecoderOversizedBeforePayload(t *testing.T) {
	dec := NewDecoder(16)

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, Header{Length: 17, StreamID: 1, Type: MessageTypeRequest})
	dec.Feed(hdr)

	// Rejected as soon as the header is parsed; the payload never
	// arrived and never will be delivered.
	_, ok, err := dec.Next()
	if ok {
		t.Fatal("oversized frame must not be delivered")
	}
	if !IsProtocolError(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}

	// The failure is sticky: the stream position is untrustworthy.
	dec.Feed(make([]byte, 64))
	if _, ok, err := dec.Next(); ok || !IsProtocolError(err) {
		t.Errorf("decoder must stay failed: ok=%v err=%v", ok, err)
	}
}

func TestDecoderUndefinedType(t *testing.T) {
	dec := NewDecoder(0)
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, Header{Length: 0, StreamID: 1, Type: MessageType(0x7f)})
	dec.Feed(hdr)

	if _, ok, err := dec.Next(); ok || !IsProtocolError(err) {
		t.Errorf("undefined type: ok=%v err=%v", ok, err)
	}
}
