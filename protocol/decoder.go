package protocol

// Decoder reassembles frames from arbitrarily fragmented input. It makes no
// assumption that a read delivers a complete header, let alone a complete
// frame: callers Feed it whatever bytes the connection produced and poll
// Next until it reports that more data is needed.
//
// The reactor connection engine uses a Decoder so its reader loop never has
// to block waiting for the rest of a frame; the threaded engine uses the
// blocking ReadFrame instead. Both paths accept the exact same byte
// sequences.
//
// A Decoder is not safe for concurrent use; exactly one reader owns it.
type Decoder struct {
	maxPayload uint32
	buf        []byte

	header     Header
	haveHeader bool
	failed     *Error
}

// NewDecoder returns a Decoder enforcing the given payload bound.
// Zero means DefaultMaxPayload.
func NewDecoder(maxPayload uint32) *Decoder {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends raw connection bytes to the decoder's buffer. The slice is
// copied; callers may reuse p immediately.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of fed bytes not yet consumed by Next.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ok is false when the buffered bytes
// do not yet form a full frame and more input is needed.
//
// A returned *Error is sticky: the stream position is no longer trustworthy
// after a malformed header, so every subsequent call fails the same way and
// the caller must tear down the connection. An oversized frame is rejected
// as soon as its header is parsed, before any payload arrives, so it is
// never partially delivered.
func (d *Decoder) Next() (Frame, bool, error) {
	if d.failed != nil {
		return Frame{}, false, d.failed
	}

	if !d.haveHeader {
		if len(d.buf) < HeaderSize {
			return Frame{}, false, nil
		}
		h := parseHeader(d.buf[:HeaderSize])
		if perr := h.validate(d.maxPayload); perr != nil {
			d.failed = perr
			return Frame{}, false, perr
		}
		d.header = h
		d.haveHeader = true
		d.buf = d.buf[HeaderSize:]
	}

	if uint32(len(d.buf)) < d.header.Length {
		return Frame{}, false, nil
	}

	payload := make([]byte, d.header.Length)
	copy(payload, d.buf[:d.header.Length])
	d.buf = d.buf[d.header.Length:]

	f := Frame{Header: d.header, Payload: payload}
	d.haveHeader = false
	if len(d.buf) == 0 {
		// Drop the consumed backing array instead of retaining a
		// zero-length tail into it.
		d.buf = nil
	}
	return f, true, nil
}
