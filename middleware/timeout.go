package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"

	"ttrpc/message"
)

// Timeout bounds handler execution. The handler keeps running in its own
// goroutine if it overstays, but the caller gets a DeadlineExceeded failure
// response immediately and the per-request context is canceled so
// cooperative handlers can stop early.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Errorf(codes.DeadlineExceeded, "handler deadline exceeded")
			}
		}
	}
}
