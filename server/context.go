package server

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/call"
	"github.com/ozontech/callflow/metadata"
	"github.com/ozontech/callflow/status"
)

var errNoCall = status.Error(codes.Internal, "context does not belong to a server call")

// FromContext returns the server call of a handler context.
func FromContext(ctx context.Context) (*call.Call, bool) {
	c, ok := call.FromContext(ctx)
	if !ok || c.Side() != call.ServerSide {
		return nil, false
	}
	return c, true
}

func Method(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.Method()
	}
	return ""
}

// Header returns the request header of the call.
func Header(ctx context.Context) *metadata.MD {
	if c, ok := FromContext(ctx); ok {
		return c.RequestHeader()
	}
	return nil
}

func SetHeader(ctx context.Context, md *metadata.MD) error {
	c, ok := FromContext(ctx)
	if !ok {
		return errNoCall
	}
	return c.SetHeader(md)
}

func SendHeader(ctx context.Context, md *metadata.MD) error {
	c, ok := FromContext(ctx)
	if !ok {
		return errNoCall
	}
	return c.SendHeader(md)
}

func SetTrailer(ctx context.Context, md *metadata.MD) error {
	c, ok := FromContext(ctx)
	if !ok {
		return errNoCall
	}
	return c.SetTrailer(md)
}
