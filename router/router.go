// Package router maps method names to registered handlers and dispatches
// decoded requests to them.
//
// Dispatch outcomes are always response envelopes: an unknown method, a
// handler error, even a handler panic all become failure responses. Nothing
// a handler does can tear down the connection — only the frame layer can.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ttrpc/message"
	"ttrpc/middleware"
)

// Handler processes one call: pre-encoded argument bytes in, pre-encoded
// result bytes out. A returned error becomes the call's failure status; use
// status.Error to pick the code, anything else maps to codes.Unknown.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Router holds the method table. Registration happens at construction time,
// before the router is shared with any connection; the table is immutable
// once Dispatch has run.
type Router struct {
	log logrus.FieldLogger

	mu          sync.Mutex
	handlers    map[string]Handler
	middlewares []middleware.Middleware

	sealOnce sync.Once
	chain    middleware.HandlerFunc
}

// New returns an empty router. log may be nil.
func New(log logrus.FieldLogger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for method. Method names are unique per router;
// registering after the first Dispatch is rejected.
func (r *Router) Register(method string, h Handler) error {
	if h == nil {
		return fmt.Errorf("router: nil handler for method %q", method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chain != nil {
		return fmt.Errorf("router: cannot register %q after serving started", method)
	}
	if _, dup := r.handlers[method]; dup {
		return fmt.Errorf("router: method %q already registered", method)
	}
	r.handlers[method] = h
	return nil
}

// Use appends a middleware. Middlewares run in registration order around
// every handler; like Register, Use is only valid before serving starts.
func (r *Router) Use(mw middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chain == nil {
		r.middlewares = append(r.middlewares, mw)
	}
}

// Dispatch routes one request to its handler and returns the response
// envelope. Handlers for different streams run concurrently; Dispatch
// itself holds no lock while a handler executes.
func (r *Router) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	r.sealOnce.Do(r.seal)

	if req.TimeoutNano > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutNano))
		defer cancel()
	}
	return r.chain(ctx, req)
}

// seal freezes the method table and builds the middleware chain once, on
// first dispatch.
func (r *Router) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chain = middleware.Chain(r.middlewares...)(r.invoke)
}

// invoke is the innermost HandlerFunc: method lookup plus handler call.
func (r *Router) invoke(ctx context.Context, req *message.Request) (resp *message.Response) {
	// A panicking handler must not take the connection (or the process)
	// with it; it fails only its own call.
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{
				"method": req.Method,
				"panic":  p,
			}).Error(string(debug.Stack()))
			resp = message.Errorf(codes.Internal, fmt.Sprintf("handler panic: %v", p))
		}
	}()

	h, ok := r.handlers[req.Method]
	if !ok {
		return message.Errorf(codes.NotFound, fmt.Sprintf("method %q is not registered", req.Method))
	}

	result, err := h(ctx, req.Payload)
	if err != nil {
		return message.Errorf(statusFromHandlerError(err))
	}
	return &message.Response{
		Status:  message.Status{Code: codes.OK},
		Payload: result,
	}
}

// statusFromHandlerError maps a handler error to the call's failure status.
// Context expiry keeps its meaning — a handler cut short by the request's
// deadline must come back as DeadlineExceeded, not Unknown, because over a
// fast transport that response can reach the caller before the caller's own
// deadline fires.
func statusFromHandlerError(err error) (codes.Code, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s := status.FromContextError(err)
		return s.Code(), s.Message()
	}
	s, _ := status.FromError(err)
	code := s.Code()
	if code == codes.OK {
		code = codes.Unknown
	}
	return code, s.Message()
}
