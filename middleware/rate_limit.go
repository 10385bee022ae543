package middleware

import (
	"context"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"

	"ttrpc/message"
)

// RateLimit rejects requests above r per second (token bucket with the
// given burst). Rejected calls get a ResourceExhausted failure response;
// the connection itself is unaffected.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Errorf(codes.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
