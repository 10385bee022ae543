package codec

import (
	"bytes"
	"testing"

	"google.golang.org/grpc/codes"

	"ttrpc/message"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &message.Request{
		Method:      "Health.Check",
		Payload:     []byte{0x01, 0x02, 0x03},
		TimeoutNano: 5e9,
	}
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	got, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if got.Method != req.Method {
		t.Errorf("Method: got %q, want %q", got.Method, req.Method)
	}
	if !bytes.Equal(got.Payload, req.Payload) {
		t.Errorf("Payload: got %x, want %x", got.Payload, req.Payload)
	}
	if got.TimeoutNano != req.TimeoutNano {
		t.Errorf("TimeoutNano: got %d, want %d", got.TimeoutNano, req.TimeoutNano)
	}
}

func TestRequestWireLayout(t *testing.T) {
	data, err := EncodeRequest(&message.Request{Method: "Ab", Payload: []byte{0xFF}})
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	want := []byte{
		0x00, 0x02, // method length
		'A', 'b',
		0x00, 0x00, 0x00, 0x01, // payload length
		0xFF,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // timeout
	}
	if !bytes.Equal(data, want) {
		t.Errorf("wire bytes mismatch:\n got %x\nwant %x", data, want)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []*message.Response{
		{Status: message.Status{Code: codes.OK}, Payload: []byte("result")},
		{Status: message.Status{Code: codes.NotFound, Message: `method "X" is not registered`}},
		{Status: message.Status{Code: codes.OK}},
	}
	for _, resp := range cases {
		data, err := EncodeResponse(resp)
		if err != nil {
			t.Fatalf("EncodeResponse failed: %v", err)
		}
		got, err := DecodeResponse(data)
		if err != nil {
			t.Fatalf("DecodeResponse failed: %v", err)
		}
		if got.Status.Code != resp.Status.Code {
			t.Errorf("Code: got %v, want %v", got.Status.Code, resp.Status.Code)
		}
		if got.Status.Message != resp.Status.Message {
			t.Errorf("Message: got %q, want %q", got.Status.Message, resp.Status.Message)
		}
		if !bytes.Equal(got.Payload, resp.Payload) {
			t.Errorf("Payload: got %x, want %x", got.Payload, resp.Payload)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	full, err := EncodeRequest(&message.Request{Method: "Echo", Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	for cut := 0; cut < len(full); cut++ {
		if _, err := DecodeRequest(full[:cut]); err == nil {
			t.Errorf("DecodeRequest accepted a %d-byte prefix of a %d-byte envelope", cut, len(full))
		}
	}

	fullResp, err := EncodeResponse(&message.Response{Status: message.Status{Code: codes.Internal, Message: "boom"}})
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	for cut := 0; cut < len(fullResp); cut++ {
		if _, err := DecodeResponse(fullResp[:cut]); err == nil {
			t.Errorf("DecodeResponse accepted a %d-byte prefix of a %d-byte envelope", cut, len(fullResp))
		}
	}
}

func TestDecodeLyingLengthPrefix(t *testing.T) {
	// A length prefix pointing past the end of the buffer must error, not
	// panic or read garbage.
	data := []byte{
		0x00, 0x10, // claims a 16-byte method name
		'E', 'c', // only 2 bytes follow
	}
	if _, err := DecodeRequest(data); err == nil {
		t.Error("DecodeRequest accepted a lying length prefix")
	}
}
