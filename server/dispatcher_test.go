package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/codec"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type quotient struct {
	Dividend int `json:"dividend"`
	Divisor  int `json:"divisor"`
	Quotient int `json:"quotient"`
}

var (
	divDesc  = call.MustMethodDescriptor("/math.Math/Div", call.Unary, codec.JSON{}, codec.JSON{})
	echoDesc = call.MustMethodDescriptor("/math.Math/Echo", call.BidiStreaming, codec.JSON{}, codec.JSON{})
)

type sinkEvent struct {
	kind string
	data []byte
	st   *status.Status
}

type testSink struct {
	mu     sync.Mutex
	events []sinkEvent
	header *metadata.MD
	closed chan struct{}
}

func newTestSink() *testSink { return &testSink{closed: make(chan struct{})} }

func (s *testSink) WriteHeader(md *metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = md
	s.events = append(s.events, sinkEvent{kind: "header"})
	return nil
}

func (s *testSink) WriteMessage(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "message", data: b})
	return nil
}

func (s *testSink) CloseSend() error { return nil }

func (s *testSink) Close(st *status.Status) {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{kind: "close", st: st})
	s.mu.Unlock()
	close(s.closed)
}

func (s *testSink) status() *status.Status {
	<-s.closed
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1].st
}

func (s *testSink) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, e := range s.events {
		if e.kind == "message" {
			out = append(out, e.data)
		}
	}
	return out
}

// unaryCall creates a server call with the request already received.
func unaryCall(t *testing.T, method string, req []byte) (*call.Call, *testSink) {
	sink := newTestSink()
	c := call.NewServer(context.Background(), method, sink, call.WithLogger(zaptest.NewLogger(t)))
	if req != nil {
		require.NoError(t, c.DeliverMessage(req))
	}
	c.DeliverHalfClose()
	return c, sink
}

func div(_ context.Context, req *quotient) (*quotient, error) {
	if req.Divisor == 0 {
		return nil, status.Error(codes.InvalidArgument, "Division by zero")
	}
	req.Quotient = req.Dividend / req.Divisor
	return req, nil
}

func startedDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	d := NewDispatcher(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, RegisterUnary(d, divDesc, div))
	require.NoError(t, d.Start())
	return d
}

func TestRegistration(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDispatcher()
	a.NoError(RegisterUnary(d, divDesc, div))
	a.Equal(codes.AlreadyExists, status.Code(RegisterUnary(d, divDesc, div)))
	a.Equal(codes.InvalidArgument, status.Code(RegisterServerStream(d, divDesc,
		func(*quotient, *Stream[quotient, quotient]) error { return nil })))

	a.NoError(d.Start())
	a.Equal(codes.FailedPrecondition, status.Code(d.Start()))
	a.Equal(codes.FailedPrecondition, status.Code(RegisterBidi(d, echoDesc,
		func(*Stream[quotient, quotient]) error { return nil })))

	a.Len(d.Methods(), 1)
	a.Equal(StageServing, d.Stage())
}

func TestUnaryDispatch(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	d := startedDispatcher(t)

	c, sink := unaryCall(t, "/math.Math/Div", []byte(`{"dividend":7,"divisor":2}`))
	d.Handle(c)
	a.Equal(codes.OK, sink.status().Code)
	a.JSONEq(`{"dividend":7,"divisor":2,"quotient":3}`, string(sink.messages()[0]))

	c, sink = unaryCall(t, "/math.Math/Div", []byte(`{"dividend":7,"divisor":0}`))
	d.Handle(c)
	st := sink.status()
	a.Equal(codes.InvalidArgument, st.Code)
	a.Equal("Division by zero", st.Message)
	a.Empty(sink.messages())
}

func TestDispatchFailures(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDispatcher()
	require.NoError(t, RegisterUnary(d, divDesc, div))
	c, sink := unaryCall(t, "/math.Math/Div", []byte(`{}`))
	d.Handle(c)
	a.Equal(codes.Unavailable, sink.status().Code)

	require.NoError(t, d.Start())

	c, sink = unaryCall(t, "/math.Math/Nope", []byte(`{}`))
	d.Handle(c)
	st := sink.status()
	a.Equal(codes.Unimplemented, st.Code)
	a.Equal("unknown method /math.Math/Nope", st.Message)

	c, sink = unaryCall(t, "/math.Math/Div", []byte(`{bad json`))
	d.Handle(c)
	a.Equal(codes.InvalidArgument, sink.status().Code)

	c, sink = unaryCall(t, "/math.Math/Div", nil)
	d.Handle(c)
	a.Equal(codes.InvalidArgument, sink.status().Code)
}

func TestSecondRequestMessage(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	d := startedDispatcher(t)

	sink := newTestSink()
	c := call.NewServer(context.Background(), "/math.Math/Div", sink, call.WithLogger(zaptest.NewLogger(t)))
	a.NoError(c.DeliverMessage([]byte(`{"dividend":7,"divisor":2}`)))
	a.NoError(c.DeliverMessage([]byte(`{"dividend":8,"divisor":2}`)))
	c.DeliverHalfClose()
	d.Handle(c)

	st := sink.status()
	a.Equal(codes.Internal, st.Code)
	a.Equal("received more than one request message", st.Message)
	a.Empty(sink.messages())
}

func TestHandlerErrors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDispatcher(WithLogger(zaptest.NewLogger(t)))
	desc := func(name string) *call.MethodDescriptor {
		return call.MustMethodDescriptor("/test.Errors/"+name, call.Unary, codec.JSON{}, codec.JSON{})
	}
	require.NoError(t, d.Register(desc("Panic"), func(context.Context, *call.Call) error {
		panic("kaboom")
	}))
	require.NoError(t, d.Register(desc("Plain"), func(context.Context, *call.Call) error {
		return errors.New("plain failure")
	}))
	require.NoError(t, d.Register(desc("Status"), func(context.Context, *call.Call) error {
		return status.Error(codes.NotFound, "no such thing")
	}))
	require.NoError(t, d.Register(desc("Trailer"), func(ctx context.Context, _ *call.Call) error {
		a.Equal("/test.Errors/Trailer", Method(ctx))
		a.Equal("abc", Header(ctx).Value("x-request-id"))
		a.NoError(SetTrailer(ctx, metadata.Pairs("x-cost", "3")))
		a.NoError(SendHeader(ctx, metadata.Pairs("x-early", "1")))
		a.Equal(codes.FailedPrecondition, status.Code(SendHeader(ctx, nil)))
		return status.Error(codes.Aborted, "after trailer")
	}))
	require.NoError(t, d.Start())

	for _, tc := range []struct {
		name string
		code codes.Code
		msg  string
	}{
		{"Panic", codes.Unknown, "kaboom"},
		{"Plain", codes.Unknown, "plain failure"},
		{"Status", codes.NotFound, "no such thing"},
		{"Trailer", codes.Aborted, "after trailer"},
	} {
		sink := newTestSink()
		c := call.NewServer(context.Background(), "/test.Errors/"+tc.name, sink,
			call.WithHeader(metadata.Pairs("x-request-id", "abc")))
		d.Handle(c)

		st := sink.status()
		a.Equal(tc.code, st.Code, tc.name)
		a.Equal(tc.msg, st.Message, tc.name)
		if tc.name == "Trailer" {
			a.Equal("3", st.Trailer.Value("x-cost"))
			a.Equal("1", sink.header.Value("x-early"))
		}
	}

	a.Equal(codes.Internal, status.Code(SetHeader(context.Background(), nil)))
}

func TestStreamingHandlers(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := NewDispatcher()
	sumDesc := call.MustMethodDescriptor("/math.Math/Sum", call.ClientStreaming, codec.JSON{}, codec.JSON{})
	fibDesc := call.MustMethodDescriptor("/math.Math/Fib", call.ServerStreaming, codec.JSON{}, codec.JSON{})

	require.NoError(t, RegisterClientStream(d, sumDesc, func(s *Stream[quotient, quotient]) (*quotient, error) {
		total := 0
		for {
			req, err := s.Recv()
			if err != nil {
				return &quotient{Quotient: total}, nil
			}
			total += req.Dividend
		}
	}))
	require.NoError(t, RegisterServerStream(d, fibDesc, func(req *quotient, s *Stream[quotient, quotient]) error {
		x, y := 0, 1
		for i := 0; i < req.Dividend; i++ {
			if err := s.Send(&quotient{Quotient: x}); err != nil {
				return err
			}
			x, y = y, x+y
		}
		return nil
	}))
	require.NoError(t, RegisterBidi(d, echoDesc, func(s *Stream[quotient, quotient]) error {
		for {
			req, err := s.Recv()
			if err != nil {
				return nil
			}
			if err := s.Send(req); err != nil {
				return err
			}
		}
	}))
	require.NoError(t, d.Start())

	sink := newTestSink()
	c := call.NewServer(context.Background(), "/math.Math/Sum", sink)
	for _, n := range []string{"27182", "8", "1828", "45904"} {
		a.NoError(c.DeliverMessage([]byte(`{"dividend":` + n + `}`)))
	}
	c.DeliverHalfClose()
	d.Handle(c)
	a.Equal(codes.OK, sink.status().Code)
	a.JSONEq(`{"dividend":0,"divisor":0,"quotient":74922}`, string(sink.messages()[0]))

	c, sink = unaryCall(t, "/math.Math/Fib", []byte(`{"dividend":6}`))
	d.Handle(c)
	a.Equal(codes.OK, sink.status().Code)
	var got []int
	for _, b := range sink.messages() {
		var q quotient
		a.NoError(codec.JSON{}.Unmarshal(b, &q))
		got = append(got, q.Quotient)
	}
	a.Equal([]int{0, 1, 1, 2, 3, 5}, got)

	sink = newTestSink()
	c = call.NewServer(context.Background(), "/math.Math/Echo", sink)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Handle(c)
	}()
	a.NoError(c.DeliverMessage([]byte(`{"dividend":1}`)))
	a.NoError(c.DeliverMessage([]byte(`{"dividend":2}`)))
	c.DeliverHalfClose()
	<-done
	a.Equal(codes.OK, sink.status().Code)
	a.Len(sink.messages(), 2)
}

func TestConcurrencyLimitAndStop(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	blockDesc := call.MustMethodDescriptor("/test.Block/Wait", call.Unary, codec.JSON{}, codec.JSON{})
	entered := make(chan struct{})
	d := NewDispatcher(WithMaxConcurrentCalls(1), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, d.Register(blockDesc, func(ctx context.Context, _ *call.Call) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, d.Start())

	first := newTestSink()
	c := call.NewServer(context.Background(), "/test.Block/Wait", first)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		d.Handle(c)
	}()
	<-entered

	second := newTestSink()
	d.Handle(call.NewServer(context.Background(), "/test.Block/Wait", second))
	st := second.status()
	a.Equal(codes.ResourceExhausted, st.Code)
	a.Equal("concurrent RPC limit exceeded", st.Message)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a.ErrorIs(d.GracefulStop(ctx), context.DeadlineExceeded)
	<-handled
	a.Equal(codes.Unavailable, first.status().Code)
	a.Equal(StageStopped, d.Stage())

	third := newTestSink()
	d.Handle(call.NewServer(context.Background(), "/test.Block/Wait", third))
	a.Equal(codes.Unavailable, third.status().Code)
}

func TestGracefulStopWaits(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	d := startedDispatcher(t)

	c, sink := unaryCall(t, "/math.Math/Div", []byte(`{"dividend":1,"divisor":1}`))
	d.Handle(c)
	a.Equal(codes.OK, sink.status().Code)
	a.NoError(d.GracefulStop(context.Background()))
	a.Equal(StageStopped, d.Stage())
}

type recordHook struct {
	mu    sync.Mutex
	ends  []codes.Code
	panic bool
}

type hookKey struct{}

func (h *recordHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	if h.panic {
		panic("hook start")
	}
	return context.WithValue(ctx, hookKey{}, info.Method), time.Now()
}

func (h *recordHook) OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, _ call.Stats, st *status.Status) {
	if h.panic {
		panic("hook end")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := token.(time.Time); ok && ctx.Value(hookKey{}) == info.Method {
		h.ends = append(h.ends, st.Code)
	}
}

func TestDispatchHooks(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	good := &recordHook{}
	d := startedDispatcher(t, WithHook(&recordHook{panic: true}), WithHook(good))

	c, sink := unaryCall(t, "/math.Math/Div", []byte(`{"dividend":1,"divisor":0}`))
	d.Handle(c)
	a.Equal(codes.InvalidArgument, sink.status().Code)

	c, sink = unaryCall(t, "/math.Math/Div", []byte(`{"dividend":1,"divisor":1}`))
	d.Handle(c)
	a.Equal(codes.OK, sink.status().Code)

	good.mu.Lock()
	defer good.mu.Unlock()
	a.Equal([]codes.Code{codes.InvalidArgument, codes.OK}, good.ends)
}
