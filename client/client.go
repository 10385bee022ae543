// Package client is the calling side of a ttrpc connection: one multiplexed
// point-to-point connection, many concurrent calls.
//
// Each call allocates a fresh odd stream ID, registers a waiter with the
// correlator, sends one request frame, and parks until the matching
// response frame resolves it. Callers on the same client never wait on each
// other; ordering exists only within a single stream.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ttrpc/engine"
	"ttrpc/message"
	"ttrpc/stream"
	"ttrpc/transport"
)

// ErrClosed is returned by Call after Close, and resolves calls that were
// still in flight when the connection went away locally.
var ErrClosed = engine.ErrClosed

// Option configures a client.
type Option func(*options)

type options struct {
	logger          logrus.FieldLogger
	defaultTimeout  time.Duration
	maxFramePayload uint32
	reactor         bool
}

// WithLogger sets the structured logger; default is the logrus standard
// logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.logger = log }
}

// WithTimeout sets a default per-call timeout applied when the caller's
// context has no deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

// WithMaxFramePayload overrides the 4 MiB frame payload bound. Both peers
// must agree on it.
func WithMaxFramePayload(n uint32) Option {
	return func(o *options) { o.maxFramePayload = n }
}

// WithReactor selects the reactor connection engine instead of the
// threaded one. Behavior is identical; the difference is the execution
// model driving the connection.
func WithReactor() Option {
	return func(o *options) { o.reactor = true }
}

// Client owns one connection for its lifetime.
type Client struct {
	log    logrus.FieldLogger
	opts   options
	engine *engine.Engine
	alloc  *stream.Allocator

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to address (unix://, tcp://, or vsock:// — see package
// transport) and returns a ready client. An unreachable server fails here,
// fast, with the transport's error.
func Dial(address string, opts ...Option) (*Client, error) {
	conn, err := transport.Dial(address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an established connection. The client takes ownership of
// conn and starts its connection engine immediately.
func NewClient(conn net.Conn, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}

	eopts := engine.Options{
		MaxFramePayload: o.maxFramePayload,
		Logger:          o.logger,
		// A client engine dispatches no requests; keep the threaded
		// variant's idle pool minimal.
		Workers: 1,
	}
	var eng *engine.Engine
	if o.reactor {
		eng = engine.NewReactor(conn, eopts)
	} else {
		eng = engine.NewThreaded(conn, eopts)
	}

	c := &Client{
		log:    o.logger,
		opts:   o,
		engine: eng,
		alloc:  stream.NewAllocator(),
		closed: make(chan struct{}),
	}
	go func() {
		// The engine resolves every pending call on its way out; the
		// outcome here is only informational.
		_ = eng.Run()
	}()
	return c
}

// Call performs one request/response exchange. The payload is the
// pre-encoded argument body; the returned bytes are the pre-encoded result
// body of a successful response.
//
// Failure statuses from the server come back as gRPC status errors. A
// context deadline resolves only this call: the waiter is forgotten, a late
// response is discarded by the correlator, and the connection stays usable.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.opts.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.defaultTimeout)
		defer cancel()
	}

	id, err := c.alloc.Next()
	if err != nil {
		// ID uniqueness is a connection-lifetime guarantee; once the
		// space is spent this connection is done. Fail fast and make
		// the caller redial.
		c.log.WithError(err).Warn("closing connection")
		_ = c.engine.Close()
		return nil, err
	}

	waiter, err := c.engine.Pending().Register(id)
	if err != nil {
		return nil, err
	}

	req := &message.Request{
		Method:      method,
		Payload:     payload,
		TimeoutNano: remainingBudget(ctx),
	}
	if err := c.engine.WriteRequest(id, req); err != nil {
		c.engine.Pending().Forget(id)
		return nil, errors.Wrapf(err, "send %s", method)
	}

	select {
	case res := <-waiter:
		if res.Err != nil {
			return nil, res.Err
		}
		if !res.Response.Status.OK() {
			return nil, status.Error(res.Response.Status.Code, res.Response.Status.Message)
		}
		return res.Response.Payload, nil
	case <-ctx.Done():
		c.engine.Pending().Forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, status.Errorf(codes.DeadlineExceeded, "call %s timed out", method)
		}
		return nil, status.Errorf(codes.Canceled, "call %s canceled", method)
	}
}

// remainingBudget converts a context deadline to the timeout field carried
// in the request envelope: the caller's remaining time at send, zero when
// unbounded.
func remainingBudget(ctx context.Context) int64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 1 // already expired; let the server cancel immediately
	}
	return int64(remaining)
}

// Close refuses new calls, waits for in-flight calls to drain, then tears
// the connection down. Each in-flight call is bounded only by its own
// context: a call issued with no deadline and no default timeout keeps
// Close waiting until it resolves. Use Shutdown to cap the wait. Safe to
// call more than once.
func (c *Client) Close() error {
	return c.Shutdown(context.Background())
}

// Shutdown is Close with a deadline: it refuses new calls and waits for
// in-flight calls to drain until ctx expires, at which point the
// connection is torn down anyway, still-pending calls fail with the
// teardown error, and ctx's error is returned.
func (c *Client) Shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	var err error
	select {
	case <-c.engine.Done():
		// Engine failed on its own; pending calls are already resolved.
	case <-c.engine.Pending().Idle():
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = c.engine.Close()
	<-c.engine.Done()
	return err
}
