// Package server is the accepting side of ttrpc: it listens on an
// endpoint, spins up one connection engine per accepted connection, and
// wires every engine to a shared, immutable method router.
//
// A misbehaving peer costs exactly its own connection. Protocol violations
// sever the offending engine; every other connection keeps running.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ttrpc/engine"
	"ttrpc/middleware"
	"ttrpc/protocol"
	"ttrpc/router"
	"ttrpc/transport"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("server closed")

// Option configures a server.
type Option func(*options)

type options struct {
	logger          logrus.FieldLogger
	maxFramePayload uint32
	workers         int
	queueDepth      int
	reactor         bool
}

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.logger = log }
}

// WithMaxFramePayload overrides the 4 MiB frame payload bound.
func WithMaxFramePayload(n uint32) Option {
	return func(o *options) { o.maxFramePayload = n }
}

// WithWorkers sizes each connection's handler pool (threaded engine only).
func WithWorkers(workers, queueDepth int) Option {
	return func(o *options) {
		o.workers = workers
		o.queueDepth = queueDepth
	}
}

// WithReactor runs connections on the reactor engine instead of the
// threaded one.
func WithReactor() Option {
	return func(o *options) { o.reactor = true }
}

// Server accepts connections and dispatches their requests.
type Server struct {
	log    logrus.FieldLogger
	opts   options
	router *router.Router

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	engines   map[*engine.Engine]struct{}

	conns    sync.WaitGroup
	shutdown atomic.Bool
}

// NewServer returns a server with an empty method table.
func NewServer(opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return &Server{
		log:       o.logger,
		opts:      o,
		router:    router.New(o.logger),
		listeners: make(map[net.Listener]struct{}),
		engines:   make(map[*engine.Engine]struct{}),
	}
}

// Register adds a handler for method. All registration happens before
// Serve; the table is immutable once connections exist.
func (s *Server) Register(method string, h router.Handler) error {
	return s.router.Register(method, h)
}

// Use appends a middleware around every handler, in registration order.
func (s *Server) Use(mw middleware.Middleware) {
	s.router.Use(mw)
}

// ListenAndServe listens on address (unix://, tcp://, vsock://) and serves
// until shutdown.
func (s *Server) ListenAndServe(address string) error {
	lis, err := transport.Listen(address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until the server shuts down. Each
// accepted connection gets its own engine; Serve returns ErrServerClosed
// after an orderly shutdown, or the accept error otherwise.
func (s *Server) Serve(lis net.Listener) error {
	// Registration and the shutdown flag are checked under the same lock
	// so a Shutdown racing this Serve either sees the listener in its
	// snapshot or is seen here; no listener can slip through unclosed.
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	s.listeners[lis] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, lis)
		s.mu.Unlock()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			// Closing the listener is how Shutdown wakes this loop;
			// tell an intentional close apart from a real failure.
			if s.shutdown.Load() {
				return ErrServerClosed
			}
			return errors.Wrap(err, "accept")
		}
		s.conns.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs one engine to completion.
func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()

	eng := s.newEngine(conn)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.engines[eng] = struct{}{}
	s.mu.Unlock()

	err := eng.Run()

	s.mu.Lock()
	delete(s.engines, eng)
	s.mu.Unlock()

	log := s.log.WithField("remote", conn.RemoteAddr())
	switch {
	case errors.Is(err, engine.ErrPeerClosed), errors.Is(err, engine.ErrClosed):
		log.Debug("connection closed")
	case protocol.IsProtocolError(err):
		log.WithError(err).Warn("severed misbehaving connection")
	default:
		log.WithError(err).Warn("connection failed")
	}
}

func (s *Server) newEngine(conn net.Conn) *engine.Engine {
	eopts := engine.Options{
		Router:          s.router,
		MaxFramePayload: s.opts.maxFramePayload,
		Workers:         s.opts.workers,
		QueueDepth:      s.opts.queueDepth,
		Logger:          s.log,
	}
	if s.opts.reactor {
		return engine.NewReactor(conn, eopts)
	}
	return engine.NewThreaded(conn, eopts)
}

// Shutdown stops accepting, drains every live connection (in-flight
// handlers finish and their responses flush), and returns when all engines
// have torn down or ctx expires. On expiry remaining connections are closed
// forcibly and ctx's error is returned. Calling it again is a no-op with
// the same result as the first call.
func (s *Server) Shutdown(ctx context.Context) error {
	s.beginShutdown()

	s.mu.Lock()
	engines := make([]*engine.Engine, 0, len(s.engines))
	for eng := range s.engines {
		engines = append(engines, eng)
	}
	s.mu.Unlock()

	for _, eng := range engines {
		go eng.Drain()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.closeEngines()
		return ctx.Err()
	}
}

// Close shuts down forcibly: listeners closed, every engine torn down
// immediately, pending work abandoned. Idempotent.
func (s *Server) Close() error {
	s.beginShutdown()
	s.closeEngines()
	s.conns.Wait()
	return nil
}

// beginShutdown flips the shutdown flag before closing listeners so the
// accept loops recognize the close as intentional.
func (s *Server) beginShutdown() {
	s.mu.Lock()
	s.shutdown.Store(true)
	listeners := make([]net.Listener, 0, len(s.listeners))
	for lis := range s.listeners {
		listeners = append(listeners, lis)
	}
	s.mu.Unlock()

	for _, lis := range listeners {
		lis.Close()
	}
}

func (s *Server) closeEngines() {
	s.mu.Lock()
	engines := make([]*engine.Engine, 0, len(s.engines))
	for eng := range s.engines {
		engines = append(engines, eng)
	}
	s.mu.Unlock()

	for _, eng := range engines {
		_ = eng.Close()
	}
}
