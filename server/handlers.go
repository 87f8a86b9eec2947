package server

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
)

type (
	UnaryHandler[Req, Resp any]        func(ctx context.Context, req *Req) (*Resp, error)
	ClientStreamHandler[Req, Resp any] func(s *Stream[Req, Resp]) (*Resp, error)
	ServerStreamHandler[Req, Resp any] func(req *Req, s *Stream[Req, Resp]) error
	BidiHandler[Req, Resp any]         func(s *Stream[Req, Resp]) error
)

// Stream is the handler view of a server call.
type Stream[Req, Resp any] struct {
	ctx context.Context
	c   *call.Call
}

func (s *Stream[Req, Resp]) Context() context.Context { return s.ctx }
func (s *Stream[Req, Resp]) Call() *call.Call         { return s.c }

// Recv returns the next request or io.EOF when the client half-closed.
func (s *Stream[Req, Resp]) Recv() (*Req, error) {
	req := new(Req)
	if err := s.c.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Stream[Req, Resp]) Send(resp *Resp) error            { return s.c.SendMsg(resp) }
func (s *Stream[Req, Resp]) SetHeader(md *metadata.MD) error  { return s.c.SetHeader(md) }
func (s *Stream[Req, Resp]) SendHeader(md *metadata.MD) error { return s.c.SendHeader(md) }
func (s *Stream[Req, Resp]) SetTrailer(md *metadata.MD) error { return s.c.SetTrailer(md) }

func checkKind(desc *call.MethodDescriptor, want call.Kind) error {
	if desc.Kind() != want {
		return status.Errorf(codes.InvalidArgument, "method %s is %s, handler is %s", desc.FullMethod(), desc.Kind(), want)
	}
	return nil
}

func RegisterUnary[Req, Resp any](d *Dispatcher, desc *call.MethodDescriptor, h UnaryHandler[Req, Resp]) error {
	if err := checkKind(desc, call.Unary); err != nil {
		return err
	}
	return d.Register(desc, func(ctx context.Context, c *call.Call) error {
		req, err := recvRequest[Req](c, desc)
		if err != nil {
			return err
		}
		resp, err := h(ctx, req)
		if err != nil {
			return err
		}
		return sendResponse(c, resp)
	})
}

func RegisterClientStream[Req, Resp any](d *Dispatcher, desc *call.MethodDescriptor, h ClientStreamHandler[Req, Resp]) error {
	if err := checkKind(desc, call.ClientStreaming); err != nil {
		return err
	}
	return d.Register(desc, func(ctx context.Context, c *call.Call) error {
		resp, err := h(&Stream[Req, Resp]{ctx: ctx, c: c})
		if err != nil {
			return err
		}
		return sendResponse(c, resp)
	})
}

func RegisterServerStream[Req, Resp any](d *Dispatcher, desc *call.MethodDescriptor, h ServerStreamHandler[Req, Resp]) error {
	if err := checkKind(desc, call.ServerStreaming); err != nil {
		return err
	}
	return d.Register(desc, func(ctx context.Context, c *call.Call) error {
		req, err := recvRequest[Req](c, desc)
		if err != nil {
			return err
		}
		return h(req, &Stream[Req, Resp]{ctx: ctx, c: c})
	})
}

func RegisterBidi[Req, Resp any](d *Dispatcher, desc *call.MethodDescriptor, h BidiHandler[Req, Resp]) error {
	if err := checkKind(desc, call.BidiStreaming); err != nil {
		return err
	}
	return d.Register(desc, func(ctx context.Context, c *call.Call) error {
		return h(&Stream[Req, Resp]{ctx: ctx, c: c})
	})
}

// recvRequest reads the single request of a unary or server-streaming call.
// A missing or undecodable request is INVALID_ARGUMENT.
func recvRequest[Req any](c *call.Call, desc *call.MethodDescriptor) (*Req, error) {
	b, err := c.ReadMsg()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, status.Error(codes.InvalidArgument, "missing request message")
		}
		return nil, err
	}
	req := new(Req)
	if err := desc.RequestCodec().Unmarshal(b, req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %s", status.FromError(err).Message)
	}
	// запрос ровно один: дальше должен быть только half-close
	switch _, err := c.ReadMsg(); {
	case err == nil:
		return nil, status.Error(codes.Internal, "received more than one request message")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return req, nil
}

func sendResponse[Resp any](c *call.Call, resp *Resp) error {
	if resp == nil {
		return status.Error(codes.Internal, "handler returned a nil response")
	}
	if err := c.SendMsg(resp); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
