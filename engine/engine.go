// Package engine drives one live connection: it reads frames, routes
// requests into handlers, matches responses to waiting callers, and
// serializes everything written back to the shared socket.
//
// The engine exists in two concurrency flavors that must behave
// identically from the outside:
//
//   - the threaded variant (NewThreaded) blocks a dedicated reader
//     goroutine on full-frame reads and runs handlers on a bounded worker
//     pool, serializing writes with a mutex;
//   - the reactor variant (NewReactor) feeds an incremental decoder with
//     whatever each read returns, spawns handlers individually, and funnels
//     writes through a queue drained by a single writer goroutine.
//
// Rather than branching at runtime, the engine is written against a small
// capability set — frameReader, writeGate, executor — and each variant is
// one choice of implementations. The frame codec, the pending-call table,
// and the router are shared untouched.
package engine

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"

	"ttrpc/codec"
	"ttrpc/message"
	"ttrpc/protocol"
	"ttrpc/router"
	"ttrpc/stream"
)

var (
	// ErrClosed is the teardown cause when the local side closed the
	// connection.
	ErrClosed = errors.New("connection closed")

	// ErrPeerClosed is the teardown cause when the peer shut the stream
	// down cleanly (EOF at a frame boundary).
	ErrPeerClosed = errors.New("connection closed by peer")
)

const (
	// DefaultWorkers is the handler pool size of the threaded variant.
	DefaultWorkers = 8
	// DefaultQueueDepth bounds the threaded variant's request queue; a
	// full queue blocks the reader, pushing backpressure onto the socket
	// instead of dropping requests.
	DefaultQueueDepth = 32
	// DefaultWriteQueueDepth bounds the reactor variant's outbound frame
	// queue.
	DefaultWriteQueueDepth = 32
)

// frameReader produces the next inbound frame. The threaded variant blocks
// until a full frame arrived; the reactor variant reassembles frames from
// partial reads. Exactly one goroutine calls ReadFrame.
type frameReader interface {
	ReadFrame() (protocol.Frame, error)
}

// writeGate accepts outbound frames from concurrent producers and
// guarantees their bytes reach the connection without interleaving. After
// Close, WriteFrame fails with ErrClosed.
type writeGate interface {
	WriteFrame(f protocol.Frame) error
	Close()
}

// executor schedules handler work concurrently with continued frame
// reading. Submit may block for backpressure; it fails with ErrClosed once
// the executor shut down. Shutdown waits for accepted work to finish.
type executor interface {
	Submit(fn func()) error
	Shutdown()
}

// Options configures an engine. The zero value is usable for a pure client
// engine with defaults.
type Options struct {
	// Router dispatches inbound requests. A nil router answers every
	// request with an Unimplemented failure, which is the correct
	// behavior for a client-only endpoint.
	Router *router.Router

	// MaxFramePayload bounds inbound and outbound frame payloads.
	// Zero means protocol.DefaultMaxPayload.
	MaxFramePayload uint32

	// Workers and QueueDepth size the threaded variant's handler pool.
	Workers    int
	QueueDepth int

	// WriteQueueDepth sizes the reactor variant's outbound frame queue.
	WriteQueueDepth int

	Logger logrus.FieldLogger
}

func (o *Options) fill() {
	if o.MaxFramePayload == 0 {
		o.MaxFramePayload = protocol.DefaultMaxPayload
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.WriteQueueDepth <= 0 {
		o.WriteQueueDepth = DefaultWriteQueueDepth
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Engine owns one connection for its lifetime. Run drives the read side
// until teardown; WriteRequest is the outbound path for the client façade.
type Engine struct {
	conn    net.Conn
	opts    Options
	log     logrus.FieldLogger
	variant string

	frames frameReader
	gate   writeGate
	exec   executor

	pending *stream.Pending

	inflightMu sync.Mutex
	inflight   map[uint32]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	teardown sync.Once

	errMu sync.Mutex
	err   error

	draining atomic.Bool
}

// NewThreaded builds the blocking-I/O engine: dedicated reader, mutex
// write gate, bounded worker pool.
func NewThreaded(conn net.Conn, opts Options) *Engine {
	opts.fill()
	e := newEngine(conn, opts, variantThreaded)
	e.frames = &blockingReader{conn: conn, maxPayload: opts.MaxFramePayload}
	e.gate = &lockedWriter{conn: conn}
	e.exec = newWorkerPool(opts.Workers, opts.QueueDepth)
	return e
}

// NewReactor builds the cooperative engine: incremental decode of whatever
// each read returns, spawned handlers, single-consumer write queue.
func NewReactor(conn net.Conn, opts Options) *Engine {
	opts.fill()
	e := newEngine(conn, opts, variantReactor)
	e.frames = newReactorReader(conn, opts.MaxFramePayload)
	e.gate = newQueueWriter(conn, opts.WriteQueueDepth, e.log)
	e.exec = newSpawnExecutor()
	return e
}

func newEngine(conn net.Conn, opts Options, variant string) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.WithFields(logrus.Fields{
		"remote":  remoteName(conn),
		"variant": variant,
	})
	return &Engine{
		conn:     conn,
		opts:     opts,
		log:      log,
		variant:  variant,
		pending:  stream.NewPending(log),
		inflight: make(map[uint32]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Pending exposes the correlator so the client façade can register and
// forget waiters. The engine remains the only writer of results.
func (e *Engine) Pending() *stream.Pending {
	return e.pending
}

// Done is closed once teardown finished.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the teardown cause, nil while the engine is live.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Run reads frames until the connection dies, then tears down and returns
// the cause. Exactly one goroutine runs it, immediately after construction.
func (e *Engine) Run() error {
	prom.ActiveEngines.WithLabelValues(e.variant).Inc()
	defer prom.ActiveEngines.WithLabelValues(e.variant).Dec()

	for {
		f, err := e.frames.ReadFrame()
		if err != nil {
			e.close(e.classifyReadError(err))
			return e.Err()
		}
		prom.FramesRead.WithLabelValues(e.variant, f.Header.Type.String()).Inc()
		prom.BytesRead.WithLabelValues(e.variant).Add(float64(protocol.HeaderSize + len(f.Payload)))

		switch f.Header.Type {
		case protocol.MessageTypeRequest:
			if err := e.handleRequest(f); err != nil {
				e.close(err)
				return e.Err()
			}
		case protocol.MessageTypeResponse:
			if err := e.handleResponse(f); err != nil {
				e.close(err)
				return e.Err()
			}
		}
	}
}

// classifyReadError maps a reader failure to a teardown cause. If teardown
// already began locally the read error is just the closed socket talking.
func (e *Engine) classifyReadError(err error) error {
	if prior := e.Err(); prior != nil {
		return prior
	}
	if err == io.EOF {
		return ErrPeerClosed
	}
	if protocol.IsProtocolError(err) {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Wrap(err, "peer severed connection mid-frame")
	}
	return errors.Wrap(err, "transport failure")
}

// handleRequest decodes a request frame and schedules its handler. The
// reader returns here immediately so a slow handler never delays the next
// frame (no head-of-line blocking). A non-nil return is connection-fatal.
func (e *Engine) handleRequest(f protocol.Frame) error {
	id := f.Header.StreamID
	if id == 0 || id%2 == 0 {
		return protocol.Errorf("request on invalid stream id %d", id)
	}
	if !e.reserveStream(id) {
		return protocol.Errorf("stream %d reused while its request is in flight", id)
	}

	req, err := codec.DecodeRequest(f.Payload)
	if err != nil {
		// The frame itself was well-formed; only this call is bad.
		e.releaseStream(id)
		return e.writeResponse(id, message.Errorf(codes.InvalidArgument, "undecodable request envelope"))
	}

	if e.draining.Load() {
		e.releaseStream(id)
		return e.writeResponse(id, message.Errorf(codes.Unavailable, "connection is shutting down"))
	}

	work := func() {
		resp := e.dispatch(req)
		// Release before the write: the peer cannot legally reuse the ID
		// until it has read this response, and releasing first means the
		// ID is free by the time the response is observable.
		e.releaseStream(id)
		if werr := e.writeResponse(id, resp); werr != nil {
			// The reader will notice the dead transport; nothing
			// more to do for this call.
			e.log.WithError(werr).WithField("stream_id", id).Debug("dropping response")
		}
	}
	if err := e.exec.Submit(work); err != nil {
		e.releaseStream(id)
		e.log.WithField("stream_id", id).Debug("dropping request submitted during teardown")
	}
	return nil
}

// reserveStream claims an inbound stream ID for the duration of its call.
// A peer reusing an ID whose request is still in flight is misbehaving:
// two responses would carry the same ID and the peer's correlator could
// not tell them apart.
func (e *Engine) reserveStream(id uint32) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) releaseStream(id uint32) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func (e *Engine) dispatch(req *message.Request) *message.Response {
	if e.opts.Router == nil {
		return message.Errorf(codes.Unimplemented, "no services registered on this endpoint")
	}
	return e.opts.Router.Dispatch(e.ctx, req)
}

// handleResponse wakes the caller registered for the stream. Responses for
// unknown streams are discarded inside Resolve (late replies after a local
// timeout are expected). A non-nil return is connection-fatal: an
// undecodable response envelope leaves the caller uncorrelatable.
func (e *Engine) handleResponse(f protocol.Frame) error {
	resp, err := codec.DecodeResponse(f.Payload)
	if err != nil {
		return err
	}
	e.pending.Resolve(f.Header.StreamID, stream.Result{Response: resp})
	return nil
}

// WriteRequest frames and sends one request. The client façade registers
// the waiter before calling this, so the response cannot win the race with
// registration.
func (e *Engine) WriteRequest(id uint32, req *message.Request) error {
	payload, err := codec.EncodeRequest(req)
	if err != nil {
		return err
	}
	if uint32(len(payload)) > e.opts.MaxFramePayload {
		return errors.Errorf("request of %d bytes exceeds frame payload maximum of %d", len(payload), e.opts.MaxFramePayload)
	}
	f := protocol.Frame{
		Header: protocol.Header{
			StreamID: id,
			Type:     protocol.MessageTypeRequest,
			// Unary calls send exactly one frame on their stream, so
			// the request half-closes it immediately.
			Flags: protocol.FlagRemoteClosed,
		},
		Payload: payload,
	}
	if err := e.gate.WriteFrame(f); err != nil {
		return err
	}
	prom.FramesWritten.WithLabelValues(e.variant, protocol.MessageTypeRequest.String()).Inc()
	prom.BytesWritten.WithLabelValues(e.variant).Add(float64(protocol.HeaderSize + len(payload)))
	return nil
}

// writeResponse frames and sends one response. A response too large for
// the frame bound is replaced by a failure so the connection stays within
// protocol.
func (e *Engine) writeResponse(id uint32, resp *message.Response) error {
	payload, err := codec.EncodeResponse(resp)
	if err == nil && uint32(len(payload)) > e.opts.MaxFramePayload {
		err = errors.Errorf("response of %d bytes exceeds frame payload maximum", len(payload))
	}
	if err != nil {
		e.log.WithError(err).WithField("stream_id", id).Warn("replacing unencodable response with failure status")
		payload, _ = codec.EncodeResponse(message.Errorf(codes.ResourceExhausted, "response exceeded frame size limit"))
	}

	f := protocol.Frame{
		Header: protocol.Header{
			StreamID: id,
			Type:     protocol.MessageTypeResponse,
			Flags:    protocol.FlagRemoteClosed,
		},
		Payload: payload,
	}
	if err := e.gate.WriteFrame(f); err != nil {
		return err
	}
	prom.FramesWritten.WithLabelValues(e.variant, protocol.MessageTypeResponse.String()).Inc()
	prom.BytesWritten.WithLabelValues(e.variant).Add(float64(protocol.HeaderSize + len(payload)))
	return nil
}

// Drain performs the server-side graceful sequence: answer no new work,
// wait for in-flight handlers to finish and their responses to flush, then
// tear down. Blocks until done.
func (e *Engine) Drain() {
	e.draining.Store(true)
	e.exec.Shutdown()
	// The reactor gate writes asynchronously; make sure the final
	// responses reach the wire before the socket goes away. The threaded
	// gate writes synchronously and has nothing to flush.
	if f, ok := e.gate.(interface{ Flush() }); ok {
		f.Flush()
	}
	e.close(ErrClosed)
}

// Close tears the connection down now: wakes the blocked reader, fails
// every pending call, releases the socket. Safe to call any number of
// times from any goroutine.
func (e *Engine) Close() error {
	e.close(ErrClosed)
	return nil
}

// close runs the teardown sequence exactly once. Ordering matters:
//
//  1. record the cause and cancel handler contexts;
//  2. close the socket — this is what wakes a reader blocked in Read
//     without requiring any peer activity;
//  3. fail all pending calls, the hard liveness invariant;
//  4. close the write gate so late writers fail fast;
//  5. signal done, then reap handler goroutines off the critical path.
func (e *Engine) close(cause error) {
	e.teardown.Do(func() {
		e.errMu.Lock()
		e.err = cause
		e.errMu.Unlock()

		e.draining.Store(true)
		e.cancel()
		if err := e.conn.Close(); err != nil {
			e.log.WithError(err).Debug("closing connection")
		}
		e.pending.FailAll(cause)
		e.gate.Close()
		close(e.done)
		go e.exec.Shutdown()

		prom.Teardowns.WithLabelValues(e.variant, teardownCause(cause)).Inc()
		e.log.WithField("cause", cause).Debug("connection torn down")
	})
}

func teardownCause(cause error) string {
	switch {
	case errors.Is(cause, ErrClosed):
		return "local_close"
	case errors.Is(cause, ErrPeerClosed):
		return "peer_closed"
	case protocol.IsProtocolError(cause):
		return "protocol_error"
	default:
		return "transport_error"
	}
}
