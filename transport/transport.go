// Package transport defines the boundary between calls and the wire.
package transport

import (
	"context"

	"github.com/ozontech/callflow/call"
)

// ClientTransport opens outbound streams.
type ClientTransport interface {
	// NewStream returns the sink of a new stream bound to c. The request
	// header is written by c.Start.
	NewStream(ctx context.Context, c *call.Call) (call.Sink, error)
	Close() error
}

// Handler serves inbound calls. Handle must complete c, it may return
// before that.
type Handler interface {
	Handle(c *call.Call)
}

type HandlerFunc func(c *call.Call)

func (f HandlerFunc) Handle(c *call.Call) { f(c) }
