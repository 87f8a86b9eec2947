package inproc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/client"
	"github.com/ozontech/callflow/codec"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/server"
	"github.com/ozontech/callflow/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	echoDesc  = call.MustMethodDescriptor("/test.Echo/Echo", call.Unary, codec.Proto{}, codec.Proto{})
	sumDesc   = call.MustMethodDescriptor("/test.Echo/Sum", call.ClientStreaming, codec.Proto{}, codec.Proto{})
	blockDesc = call.MustMethodDescriptor("/test.Echo/Block", call.ServerStreaming, codec.Proto{}, codec.Proto{})
	chatDesc  = call.MustMethodDescriptor("/test.Echo/Chat", call.BidiStreaming, codec.Proto{}, codec.Proto{})
)

type env struct {
	inv       *client.Invoker
	transport *Transport
	blocked   chan *status.Status
}

func newEnv(t *testing.T) *env {
	log := zaptest.NewLogger(t)
	e := &env{blocked: make(chan *status.Status, 1)}

	d := server.NewDispatcher(server.WithLogger(log))
	require.NoError(t, server.RegisterUnary(d, echoDesc,
		func(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			if req.Value == "" {
				return nil, status.Error(codes.InvalidArgument, "empty value")
			}
			if err := server.SetHeader(ctx, metadata.Pairs("x-echo", "1")); err != nil {
				return nil, err
			}
			if err := server.SetTrailer(ctx, metadata.Pairs("x-request-id", server.Header(ctx).Value("x-request-id"))); err != nil {
				return nil, err
			}
			return req, nil
		}))
	require.NoError(t, server.RegisterClientStream(d, sumDesc,
		func(s *server.Stream[wrapperspb.UInt64Value, wrapperspb.UInt64Value]) (*wrapperspb.UInt64Value, error) {
			var total uint64
			for {
				req, err := s.Recv()
				if err == io.EOF {
					return wrapperspb.UInt64(total), nil
				}
				if err != nil {
					return nil, err
				}
				total += req.Value
			}
		}))
	require.NoError(t, server.RegisterServerStream(d, blockDesc,
		func(_ *wrapperspb.StringValue, s *server.Stream[wrapperspb.StringValue, wrapperspb.StringValue]) error {
			if err := s.Send(wrapperspb.String("started")); err != nil {
				return err
			}
			<-s.Context().Done()
			c, _ := server.FromContext(s.Context())
			<-c.Done()
			e.blocked <- c.Status()
			return nil
		}))
	require.NoError(t, server.RegisterBidi(d, chatDesc,
		func(s *server.Stream[wrapperspb.StringValue, wrapperspb.StringValue]) error {
			for {
				req, err := s.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := s.Send(wrapperspb.String(req.Value + "!")); err != nil {
					return err
				}
			}
		}))
	require.NoError(t, d.Start())

	e.transport = New(d, WithLogger(log))
	e.inv = client.NewInvoker(e.transport, client.WithLogger(log))
	t.Cleanup(func() { _ = e.transport.Close() })
	return e
}

func TestUnary(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t)

	c, err := e.inv.StartCall(context.Background(), echoDesc, client.WithHeader(metadata.Pairs("x-request-id", "r-1")))
	require.NoError(t, err)
	a.NoError(c.SendMsg(wrapperspb.String("hello")))
	a.NoError(c.CloseSend())

	var resp wrapperspb.StringValue
	a.NoError(c.RecvMsg(&resp))
	a.Equal("hello", resp.Value)
	a.ErrorIs(c.RecvMsg(&resp), io.EOF)

	hdr, err := c.Header()
	a.NoError(err)
	a.Equal("1", hdr.Value("x-echo"))
	a.Equal("r-1", c.Trailer().Value("x-request-id"))

	_, err = client.Unary[wrapperspb.StringValue, wrapperspb.StringValue](
		context.Background(), e.inv, echoDesc, wrapperspb.String(""))
	a.Equal(codes.InvalidArgument, status.Code(err))
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	desc := call.MustMethodDescriptor("/test.Echo/Missing", call.Unary, codec.Proto{}, codec.Proto{})
	_, err := client.Unary[wrapperspb.StringValue, wrapperspb.StringValue](
		context.Background(), e.inv, desc, wrapperspb.String("x"))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestClientStreamSum(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t)

	s := client.NewClientStream[wrapperspb.UInt64Value, wrapperspb.UInt64Value](context.Background(), e.inv, sumDesc)
	for _, size := range []uint64{27182, 8, 1828, 45904} {
		a.NoError(s.Send(wrapperspb.UInt64(size)))
	}
	resp, err := s.CloseAndRecv()
	require.NoError(t, err)
	a.Equal(uint64(74922), resp.Value)
}

func TestBidiOrder(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t)

	s := client.NewBidiStream[wrapperspb.StringValue, wrapperspb.StringValue](context.Background(), e.inv, chatDesc)
	words := []string{"a", "b", "c", "d", "e"}
	for _, w := range words {
		a.NoError(s.Send(wrapperspb.String(w)))
		resp, err := s.Recv()
		a.NoError(err)
		a.Equal(w+"!", resp.Value)
	}
	a.NoError(s.CloseSend())
	_, err := s.Recv()
	a.ErrorIs(err, io.EOF)
}

func TestCancelPropagates(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := client.NewServerStream[wrapperspb.StringValue, wrapperspb.StringValue](ctx, e.inv, blockDesc, wrapperspb.String("x"))
	first, err := s.Recv()
	a.NoError(err)
	a.Equal("started", first.Value)

	cancel()
	_, err = s.Recv()
	a.Equal(codes.Canceled, status.Code(err))
	a.Equal(codes.Canceled, (<-e.blocked).Code)
}

func TestDeadlinePropagates(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t)

	s := client.NewServerStream[wrapperspb.StringValue, wrapperspb.StringValue](context.Background(), e.inv, blockDesc,
		wrapperspb.String("x"), client.WithTimeout(30*time.Millisecond))
	for _, err := range s.All() {
		if err != nil {
			a.Equal(codes.DeadlineExceeded, status.Code(err))
		}
	}
	a.Equal(codes.DeadlineExceeded, (<-e.blocked).Code)
}

func TestClosedTransport(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, e.transport.Close())

	_, err := e.inv.StartCall(context.Background(), echoDesc)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
