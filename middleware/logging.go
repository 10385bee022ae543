package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ttrpc/message"
)

// Logging records one line per dispatched request: method, duration, and
// the failure status if any.
func Logging(log logrus.FieldLogger) Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			entry := log.WithFields(logrus.Fields{
				"method":   req.Method,
				"duration": time.Since(start),
			})
			if resp.Status.OK() {
				entry.Debug("handled request")
			} else {
				entry.WithFields(logrus.Fields{
					"code":  resp.Status.Code,
					"error": resp.Status.Message,
				}).Warn("request failed")
			}
			return resp
		}
	}
}
