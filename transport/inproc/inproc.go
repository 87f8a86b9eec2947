// Package inproc connects client calls to a server handler inside one
// process without serialization to the wire.
package inproc

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
	"github.com/ozontech/callflow/transport"
)

type Transport struct {
	handler transport.Handler
	log     *zap.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option { return func(t *Transport) { t.log = log } }

func New(handler transport.Handler, opts ...Option) *Transport {
	t := &Transport{handler: handler, log: zap.NewNop()}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.Named("inproc")
	return t
}

func (t *Transport) NewStream(_ context.Context, c *call.Call) (call.Sink, error) {
	if t.closed.Load() {
		return nil, status.Error(codes.Unavailable, "transport is closed")
	}
	return &clientSink{t: t, client: c}, nil
}

// Close rejects new streams and waits for running handlers.
func (t *Transport) Close() error {
	t.closed.Store(true)
	t.wg.Wait()
	return nil
}

// clientSink carries client writes to the server call.
type clientSink struct {
	t      *Transport
	client *call.Call

	mu     sync.Mutex
	server *call.Call
}

func (s *clientSink) peer() *call.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func (s *clientSink) WriteHeader(md *metadata.MD) error {
	opts := []call.Option{
		call.WithHeader(md.Copy()),
		call.WithLogger(s.t.log),
	}
	if d, ok := s.client.Deadline(); ok {
		opts = append(opts, call.WithDeadline(d))
	}
	srv := call.NewServer(context.Background(), s.client.Method(), &serverSink{client: s.client}, opts...)

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.t.wg.Add(1)
	go func() {
		defer s.t.wg.Done()
		s.t.handler.Handle(srv)
	}()
	return nil
}

func (s *clientSink) WriteMessage(b []byte) error {
	return s.peer().DeliverMessage(append([]byte(nil), b...))
}

func (s *clientSink) CloseSend() error {
	s.peer().DeliverHalfClose()
	return nil
}

// Close propagates client side termination (cancel, deadline) to the server.
func (s *clientSink) Close(st *status.Status) {
	if srv := s.peer(); srv != nil && !st.OK() {
		srv.DeliverStatus(st)
	}
}

// serverSink carries server writes to the client call.
type serverSink struct {
	client *call.Call
}

func (s *serverSink) WriteHeader(md *metadata.MD) error {
	return s.client.DeliverHeader(md.Copy())
}

func (s *serverSink) WriteMessage(b []byte) error {
	return s.client.DeliverMessage(append([]byte(nil), b...))
}

func (s *serverSink) CloseSend() error { return nil }

func (s *serverSink) Close(st *status.Status) {
	if st.Trailer != nil {
		st = st.WithTrailer(st.Trailer.Copy())
	}
	s.client.DeliverStatus(st)
}
