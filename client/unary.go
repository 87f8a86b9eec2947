package client

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/status"
)

// Unary performs a request-response call and blocks until it completes.
func Unary[Req, Resp any](
	ctx context.Context,
	inv *Invoker,
	desc *call.MethodDescriptor,
	req *Req,
	opts ...CallOption,
) (*Resp, error) {
	c, _ := inv.StartCall(ctx, desc, opts...)
	return unary[Req, Resp](c, req)
}

// UnaryFuture starts a unary call and returns without waiting for the
// response.
func UnaryFuture[Req, Resp any](
	ctx context.Context,
	inv *Invoker,
	desc *call.MethodDescriptor,
	req *Req,
	opts ...CallOption,
) *Future[*Resp] {
	c, _ := inv.StartCall(ctx, desc, opts...)
	return newFuture(c, func() (*Resp, error) { return unary[Req, Resp](c, req) })
}

// UnaryCallback starts a unary call and runs fn with its outcome.
func UnaryCallback[Req, Resp any](
	ctx context.Context,
	inv *Invoker,
	desc *call.MethodDescriptor,
	req *Req,
	fn func(*Resp, error),
	opts ...CallOption,
) *call.Call {
	f := UnaryFuture[Req, Resp](ctx, inv, desc, req, opts...)
	f.OnDone(fn)
	return f.Call()
}

func unary[Req, Resp any](c *call.Call, req *Req) (*Resp, error) {
	if err := c.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.CloseSend(); err != nil {
		return nil, err
	}
	return recvOne[Resp](c)
}

// recvOne reads exactly one response and waits for the final status.
func recvOne[Resp any](c *call.Call) (*Resp, error) {
	resp := new(Resp)
	if err := c.RecvMsg(resp); err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := finalErr(c); err != nil {
			return nil, err
		}
		return nil, status.Error(codes.Internal, "cardinality violation: no response message")
	}

	err := c.RecvMsg(new(Resp))
	switch {
	case errors.Is(err, io.EOF):
		if err := finalErr(c); err != nil {
			return nil, err
		}
		return resp, nil
	case err != nil:
		return nil, err
	}

	st := status.New(codes.Internal, "cardinality violation: more than one response message")
	c.DeliverStatus(st)
	return nil, st.Err()
}

// finalErr waits for the call status after the response stream ended.
func finalErr(c *call.Call) error {
	<-c.Done()
	return c.Err()
}
