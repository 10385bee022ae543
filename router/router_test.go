package router

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ttrpc/message"
	"ttrpc/middleware"
)

func TestDispatchSuccess(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	resp := r.Dispatch(context.Background(), &message.Request{Method: "Echo", Payload: []byte("hi")})
	require.True(t, resp.Status.OK())
	require.Equal(t, []byte("hi"), resp.Payload)
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Echo", echo))

	resp := r.Dispatch(context.Background(), &message.Request{Method: "Missing"})
	require.False(t, resp.Status.OK())
	require.Equal(t, codes.NotFound, resp.Status.Code)
	require.Contains(t, resp.Status.Message, "Missing")
	require.Nil(t, resp.Payload, "failures carry no result body")
}

func TestDispatchHandlerError(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Fail", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, status.Error(codes.FailedPrecondition, "not ready")
	}))
	require.NoError(t, r.Register("Plain", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("something broke")
	}))

	resp := r.Dispatch(context.Background(), &message.Request{Method: "Fail"})
	require.Equal(t, codes.FailedPrecondition, resp.Status.Code)
	require.Equal(t, "not ready", resp.Status.Message)

	resp = r.Dispatch(context.Background(), &message.Request{Method: "Plain"})
	require.Equal(t, codes.Unknown, resp.Status.Code)
	require.Contains(t, resp.Status.Message, "something broke")
}

func TestDispatchHandlerPanic(t *testing.T) {
	log := quietLogger()
	r := New(log)
	require.NoError(t, r.Register("Boom", func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("kaboom")
	}))
	require.NoError(t, r.Register("Echo", echo))

	resp := r.Dispatch(context.Background(), &message.Request{Method: "Boom"})
	require.Equal(t, codes.Internal, resp.Status.Code)
	require.Contains(t, resp.Status.Message, "kaboom")

	// The router (and by extension the connection) survives the panic.
	resp = r.Dispatch(context.Background(), &message.Request{Method: "Echo", Payload: []byte("still here")})
	require.True(t, resp.Status.OK())
}

func TestRegistrationFrozenAfterDispatch(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Echo", echo))
	r.Dispatch(context.Background(), &message.Request{Method: "Echo"})

	err := r.Register("Late", echo)
	require.Error(t, err)
}

func TestDuplicateRegistration(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Echo", echo))
	require.Error(t, r.Register("Echo", echo))
}

func TestMiddlewareOrderAndWrapping(t *testing.T) {
	r := New(nil)
	var order []string
	tag := func(name string) middleware.Middleware {
		return func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}
	r.Use(tag("outer"))
	r.Use(tag("inner"))
	require.NoError(t, r.Register("Echo", echo))

	r.Dispatch(context.Background(), &message.Request{Method: "Echo"})
	require.Equal(t, []string{"outer.before", "inner.before", "inner.after", "outer.after"}, order)
}

func TestHandlerDeadlineErrorKeepsItsCode(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Expire", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, r.Register("ExpireWrapped", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, errors.Wrap(ctx.Err(), "fetching records")
	}))

	// The request-carried deadline cuts the handler short; the failure must
	// say so, not collapse into Unknown.
	resp := r.Dispatch(context.Background(), &message.Request{
		Method:      "Expire",
		TimeoutNano: int64(10 * time.Millisecond),
	})
	require.Equal(t, codes.DeadlineExceeded, resp.Status.Code)

	// Wrapping the context error must not hide the code.
	resp = r.Dispatch(context.Background(), &message.Request{
		Method:      "ExpireWrapped",
		TimeoutNano: int64(10 * time.Millisecond),
	})
	require.Equal(t, codes.DeadlineExceeded, resp.Status.Code)
}

func TestHandlerCancellationKeepsItsCode(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Canceled", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, context.Canceled
	}))

	resp := r.Dispatch(context.Background(), &message.Request{Method: "Canceled"})
	require.Equal(t, codes.Canceled, resp.Status.Code)
}

func TestRequestTimeoutReachesHandler(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("Deadline", func(ctx context.Context, payload []byte) ([]byte, error) {
		if _, ok := ctx.Deadline(); !ok {
			return nil, errors.New("expected a deadline")
		}
		return nil, nil
	}))

	resp := r.Dispatch(context.Background(), &message.Request{
		Method:      "Deadline",
		TimeoutNano: int64(time.Second),
	})
	require.True(t, resp.Status.OK(), "status: %v", resp.Status)
}

func echo(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
