package client

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/metadata"
)

type stream struct {
	c *call.Call
}

func (s stream) Call() *call.Call              { return s.c }
func (s stream) Context() context.Context      { return s.c.Context() }
func (s stream) Header() (*metadata.MD, error) { return s.c.Header() }
func (s stream) Trailer() *metadata.MD         { return s.c.Trailer() }
func (s stream) Cancel()                       { s.c.Cancel() }
func (s stream) Err() error                    { return s.c.Err() }

func recv[Resp any](c *call.Call) (*Resp, error) {
	resp := new(Resp)
	if err := c.RecvMsg(resp); err != nil {
		if errors.Is(err, io.EOF) {
			if err := finalErr(c); err != nil {
				return nil, err
			}
		}
		return nil, err
	}
	return resp, nil
}

func all[Resp any](c *call.Call) iter.Seq2[*Resp, error] {
	return func(yield func(*Resp, error) bool) {
		for {
			resp, err := recv[Resp](c)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(resp, err) || err != nil {
				return
			}
		}
	}
}

// ClientStream sends many requests and receives one response.
type ClientStream[Req, Resp any] struct {
	stream
}

func NewClientStream[Req, Resp any](
	ctx context.Context,
	inv *Invoker,
	desc *call.MethodDescriptor,
	opts ...CallOption,
) *ClientStream[Req, Resp] {
	c, _ := inv.StartCall(ctx, desc, opts...)
	return &ClientStream[Req, Resp]{stream{c}}
}

// Send writes one request. It returns io.EOF when the server has already
// completed the call; the status is then returned by CloseAndRecv.
func (s *ClientStream[Req, Resp]) Send(req *Req) error {
	err := s.c.SendMsg(req)
	if err != nil && s.c.Status() != nil {
		return io.EOF
	}
	return err
}

func (s *ClientStream[Req, Resp]) CloseAndRecv() (*Resp, error) {
	if err := s.c.CloseSend(); err != nil {
		return nil, err
	}
	return recvOne[Resp](s.c)
}

func (s *ClientStream[Req, Resp]) CloseAndRecvFuture() *Future[*Resp] {
	return newFuture(s.c, s.CloseAndRecv)
}

// ServerStream sends one request and receives many responses.
type ServerStream[Resp any] struct {
	stream
}

func NewServerStream[Req, Resp any](
	ctx context.Context,
	inv *Invoker,
	desc *call.MethodDescriptor,
	req *Req,
	opts ...CallOption,
) *ServerStream[Resp] {
	c, _ := inv.StartCall(ctx, desc, opts...)
	if err := c.SendMsg(req); err == nil {
		_ = c.CloseSend()
	}
	return &ServerStream[Resp]{stream{c}}
}

// Recv returns the next response, io.EOF after an OK completion or the
// status error.
func (s *ServerStream[Resp]) Recv() (*Resp, error) { return recv[Resp](s.c) }

// Each calls fn for every response. An error returned by fn cancels the call.
func (s *ServerStream[Resp]) Each(fn func(*Resp) error) error {
	for resp, err := range all[Resp](s.c) {
		if err != nil {
			return err
		}
		if err := fn(resp); err != nil {
			s.c.Cancel()
			return err
		}
	}
	return nil
}

// All iterates over the responses. Breaking out of the loop leaves the call
// running.
func (s *ServerStream[Resp]) All() iter.Seq2[*Resp, error] { return all[Resp](s.c) }

// BidiStream sends and receives independently.
type BidiStream[Req, Resp any] struct {
	stream
}

func NewBidiStream[Req, Resp any](
	ctx context.Context,
	inv *Invoker,
	desc *call.MethodDescriptor,
	opts ...CallOption,
) *BidiStream[Req, Resp] {
	c, _ := inv.StartCall(ctx, desc, opts...)
	return &BidiStream[Req, Resp]{stream{c}}
}

func (s *BidiStream[Req, Resp]) Send(req *Req) error {
	err := s.c.SendMsg(req)
	if err != nil && s.c.Status() != nil {
		return io.EOF
	}
	return err
}

func (s *BidiStream[Req, Resp]) CloseSend() error             { return s.c.CloseSend() }
func (s *BidiStream[Req, Resp]) Recv() (*Resp, error)         { return recv[Resp](s.c) }
func (s *BidiStream[Req, Resp]) All() iter.Seq2[*Resp, error] { return all[Resp](s.c) }
