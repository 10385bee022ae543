// Package middleware wraps server-side request handling with reusable
// behavior: logging, rate limiting, deadlines.
//
// Middlewares compose in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// so A sees the request first and the response last.
package middleware

import (
	"context"

	"ttrpc/message"
)

// HandlerFunc is the dispatch signature middlewares wrap: one decoded
// request envelope in, one response envelope out. Application failures come
// back as failure responses, never as connection errors.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
