// Package message defines the envelope carried inside a frame payload.
//
// The frame layer (package protocol) moves opaque byte payloads; this
// package gives those payloads their one level of structure: a request
// names the method being called, a response carries a status and a result.
// The request/response bodies themselves stay opaque byte sequences — their
// encoding belongs to the generated service stubs, not to the transport.
package message

import "google.golang.org/grpc/codes"

// Request is the envelope for one call: which method, the pre-encoded
// argument bytes, and an optional deadline the server should honor.
type Request struct {
	Method  string // e.g. "Health.Check"
	Payload []byte // opaque, pre-encoded argument body

	// TimeoutNano is the caller's remaining budget in nanoseconds at send
	// time, zero when the caller set no deadline. The server bounds handler
	// execution with it so work for an abandoned call is cut short.
	TimeoutNano int64
}

// Status is the success/failure discriminant of a response. The code space
// is the gRPC one so callers keep a familiar vocabulary; the transport
// itself only ever distinguishes OK from not-OK.
type Status struct {
	Code    codes.Code
	Message string
}

// OK reports whether the response carries a successful result.
func (s Status) OK() bool {
	return s.Code == codes.OK
}

// Response is the envelope for one call's outcome. Payload is meaningful
// only when Status.OK(); failures carry no result body.
type Response struct {
	Status  Status
	Payload []byte
}

// Errorf builds a failure response.
func Errorf(code codes.Code, message string) *Response {
	return &Response{Status: Status{Code: code, Message: message}}
}
