package registry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/client"
	"github.com/ozontech/callflow/codec"
	"github.com/ozontech/callflow/server"
	"github.com/ozontech/callflow/transport"
	"github.com/ozontech/callflow/transport/h2"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	target   string
	closeErr error
	done     chan struct{}

	mu     sync.Mutex
	closed int
}

func (f *fakeTransport) NewStream(context.Context, *call.Call) (call.Sink, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) closedTimes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu     sync.Mutex
	dialed []*fakeTransport
	fail   map[string]error
}

func (d *fakeDialer) dial(_ context.Context, target string) (transport.ClientTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[target]; err != nil {
		return nil, err
	}
	t := &fakeTransport{target: target, done: make(chan struct{})}
	if target == "broken" {
		t.closeErr = errors.New("close failed")
	}
	d.dialed = append(d.dialed, t)
	return t, nil
}

func TestRegistryReusesAndEvicts(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	d := &fakeDialer{}
	r := New(2, WithDialer(d.dial), WithLogger(zaptest.NewLogger(t)))

	first, err := r.Get(ctx, "a:1")
	a.NoError(err)
	again, err := r.Get(ctx, "a:1")
	a.NoError(err)
	a.Same(first, again)

	_, err = r.Get(ctx, "b:1")
	a.NoError(err)
	_, err = r.Get(ctx, "a:1")
	a.NoError(err)
	_, err = r.Get(ctx, "c:1")
	a.NoError(err)

	a.Len(d.dialed, 3)
	a.Equal(2, r.Len())
	a.Equal(0, d.dialed[0].closedTimes())
	a.Equal(1, d.dialed[1].closedTimes(), "b:1 is least recently used")

	a.NoError(r.Close())
	for _, f := range d.dialed {
		a.Equal(1, f.closedTimes(), f.target)
	}
	_, err = r.Get(ctx, "a:1")
	a.ErrorIs(err, ErrClosed)
	a.NoError(r.Close())
}

func TestRegistryRedialsFailedTransport(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	d := &fakeDialer{}
	r := New(4, WithDialer(d.dial))
	defer r.Close()

	first, err := r.Get(context.Background(), "a:1")
	a.NoError(err)
	close(d.dialed[0].done)

	second, err := r.Get(context.Background(), "a:1")
	a.NoError(err)
	a.NotSame(first, second)
	a.Equal(1, d.dialed[0].closedTimes())
	a.Equal(1, r.Len())
}

func TestRegistryErrors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	errRefused := errors.New("refused")
	d := &fakeDialer{fail: map[string]error{"down:1": errRefused}}
	r := New(1, WithDialer(d.dial))

	_, err := r.Get(context.Background(), "down:1")
	a.ErrorIs(err, errRefused)
	a.Equal(0, r.Len())

	_, err = r.Get(context.Background(), "broken")
	a.NoError(err)
	_, err = r.Get(context.Background(), "ok:1")
	a.NoError(err)

	err = r.Close()
	a.Error(err)
	a.Contains(err.Error(), "close broken: close failed")
}

func TestRegistryH2(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	log := zaptest.NewLogger(t)

	desc := call.MustMethodDescriptor("/test.Echo/Echo", call.Unary, codec.Proto{}, codec.Proto{})
	d := server.NewDispatcher(server.WithLogger(log))
	require.NoError(t, server.RegisterUnary(d, desc,
		func(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			return req, nil
		}))
	require.NoError(t, d.Start())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := h2.NewServer(d, h2.WithLogger(log))
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), lis) }()

	r := New(1, WithDialer(H2Dialer(h2.WithLogger(log))), WithLogger(log))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := r.Get(ctx, lis.Addr().String())
	require.NoError(t, err)
	resp, err := client.Unary[wrapperspb.StringValue, wrapperspb.StringValue](
		ctx, client.NewInvoker(tr), desc, wrapperspb.String("hi"))
	a.NoError(err)
	a.Equal("hi", resp.GetValue())

	a.NoError(r.Close())
	a.NoError(srv.Shutdown(ctx))
	a.NoError(<-served)
	d.Stop()
}
